// Package reqid stores a request trace id in a context.Context.
package reqid

import "context"

type key int

const reqIDKey key = iota

// ContextSetReqID stores the given trace id in the context.
func ContextSetReqID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reqIDKey, id)
}

// ContextGetReqID returns the trace id stored in the context, if any.
func ContextGetReqID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(reqIDKey).(string)
	return id, ok
}
