// Package log provides per-package zerolog loggers that can be toggled
// on and off by name at runtime, instead of a single global logger.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerSkipFrameCount = 3
}

var pkgs = []string{}
var enabledLoggers = map[string]*zerolog.Logger{}

// Out is the log output writer.
var Out io.Writer = os.Stderr

// Mode "dev" prints console-formatted lines, anything else prints json.
var Mode = "dev"

// Logger is a named, independently toggleable logger.
type Logger struct {
	pkg string
}

// ListRegisteredPackages returns the name of every package that has called New.
func ListRegisteredPackages() []string {
	return pkgs
}

// ListEnabledPackages returns the name of every package with logging enabled.
func ListEnabledPackages() []string {
	out := []string{}
	for k, l := range enabledLoggers {
		if l.GetLevel() != zerolog.Disabled {
			out = append(out, k)
		}
	}
	return out
}

// EnableAll enables every registered logger.
func EnableAll() error {
	for _, v := range pkgs {
		if err := Enable(v); err != nil {
			return err
		}
	}
	return nil
}

// Enable turns on logging for the given package name.
func Enable(pkg string) error {
	enabledLoggers[pkg] = create(pkg)
	return nil
}

// Disable turns off logging for the given package name.
func Disable(pkg string) {
	nop := zerolog.Nop()
	enabledLoggers[pkg] = &nop
}

func create(pkg string) *zerolog.Logger {
	pid := os.Getpid()
	zl := newZerolog(pkg, pid)
	l := zl.With().Str("pkg", pkg).Int("pid", pid).Logger()
	return &l
}

// New registers and returns a Logger for the given package name. Logging
// starts disabled until Enable or EnableAll is called.
func New(pkg string) *Logger {
	pkgs = append(pkgs, pkg)
	nop := zerolog.Nop()
	enabledLoggers[pkg] = &nop
	return &Logger{pkg: pkg}
}

func find(pkg string) *zerolog.Logger {
	return enabledLoggers[pkg]
}

// Println logs args at info level.
func (l *Logger) Println(ctx context.Context, args ...interface{}) {
	find(l.pkg).Info().Str("trace", traceOf(ctx)).Msg(fmt.Sprint(args...))
}

// Printf logs a formatted message at info level.
func (l *Logger) Printf(ctx context.Context, format string, args ...interface{}) {
	find(l.pkg).Info().Str("trace", traceOf(ctx)).Msg(fmt.Sprintf(format, args...))
}

// Error logs err at error level.
func (l *Logger) Error(ctx context.Context, err error) {
	find(l.pkg).Error().Str("trace", traceOf(ctx)).Msg(err.Error())
}

// Warn logs a warning message.
func (l *Logger) Warn(ctx context.Context, msg string) {
	find(l.pkg).Warn().Str("trace", traceOf(ctx)).Msg(msg)
}

// Panic logs a stack trace at error level without actually panicking.
func (l *Logger) Panic(ctx context.Context, reason string) {
	msg := reason + "\n" + string(debug.Stack())
	find(l.pkg).Error().Str("trace", traceOf(ctx)).Bool("panic", true).Msg(msg)
}

func newZerolog(pkg string, pid int) *zerolog.Logger {
	zlog := zerolog.New(os.Stderr).With().Str("pkg", pkg).Int("pid", pid).Timestamp().Caller().Logger()
	if Mode == "" || Mode == "dev" {
		zlog = zlog.Output(zerolog.ConsoleWriter{Out: Out})
	} else {
		zlog = zlog.Output(Out)
	}
	return &zlog
}

type traceKey struct{}

// TraceKey is the context key this package reads request trace ids from.
var TraceKey = traceKey{}

func traceOf(ctx context.Context) string {
	if v, ok := ctx.Value(TraceKey).(string); ok {
		return v
	}
	return ""
}
