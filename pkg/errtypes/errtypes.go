// Copyright 2018-2019 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package errtypes contains definitons for common errors.
// It would have nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

// NotFound is the error to use when a resource something is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound is the method to check for w
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource already exists.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists is the method to check for w
func (e AlreadyExists) IsAlreadyExists() {}

// UserRequired represents an error when a user is required.
type UserRequired string

func (e UserRequired) Error() string { return "error: user required: " + string(e) }

// IsUserRequired implements the UserRequired interface.
func (e UserRequired) IsUserRequired() {}

// InvalidCredentials is the error to use when receiving invalid credentials.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "error: invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// Gone is the error to use when a resource existed but has expired or been
// permanently removed (an expired file, an expired share).
type Gone string

func (e Gone) Error() string { return "error: gone: " + string(e) }

// IsGone implements the IsGone interface.
func (e Gone) IsGone() {}

// BadRequest is the error to use for a request that is malformed or fails
// validation before any persistence happens (bad filename, disallowed
// mime, bad part number, ...).
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// PermissionDenied is the error to use when the caller is known but not
// entitled to the resource (not the owner, wrong share password, quarantined
// blob).
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// PayloadTooLarge is the error to use when a declared or observed size
// exceeds the configured maximum.
type PayloadTooLarge string

func (e PayloadTooLarge) Error() string { return "error: payload too large: " + string(e) }

// IsPayloadTooLarge implements the IsPayloadTooLarge interface.
func (e PayloadTooLarge) IsPayloadTooLarge() {}

// InternalError wraps a backend failure (object store or database) that the
// caller may retry. It is distinct from ValidationFailure-shaped errors:
// it carries no information the caller can act on beyond "try again".
type InternalError string

func (e InternalError) Error() string { return "error: internal: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// BudgetExceeded is the error to use when a caller has exceeded a rate or
// cooldown budget; retryable after a delay.
type BudgetExceeded string

func (e BudgetExceeded) Error() string { return "error: budget exceeded: " + string(e) }

// IsBudgetExceeded implements the IsBudgetExceeded interface.
func (e BudgetExceeded) IsBudgetExceeded() {}

// IsNotFound is the interface to implement
// to specify that an a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsAlreadyExists is the interface to implement
// to specify that a resource already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}

// IsUserRequired is the interface to implement
// to specify that a user is required.
type IsUserRequired interface {
	IsUserRequired()
}

// IsInvalidCredentials is the interface to implement
// to specify that credentials were wrong.
type IsInvalidCredentials interface {
	IsInvalidCredentials()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsGone is the interface to implement to specify that a resource has
// expired or been permanently removed.
type IsGone interface {
	IsGone()
}

// IsBadRequest is the interface to implement to specify that a request is
// malformed or fails validation.
type IsBadRequest interface {
	IsBadRequest()
}

// IsPermissionDenied is the interface to implement to specify that the
// caller is not entitled to the resource.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsPayloadTooLarge is the interface to implement to specify that a size
// exceeds the configured maximum.
type IsPayloadTooLarge interface {
	IsPayloadTooLarge()
}

// IsInternalError is the interface to implement to specify a retryable
// backend failure.
type IsInternalError interface {
	IsInternalError()
}

// IsBudgetExceeded is the interface to implement to specify that a rate or
// cooldown budget was exceeded.
type IsBudgetExceeded interface {
	IsBudgetExceeded()
}
