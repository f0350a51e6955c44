// Package errors provides standardized domain errors with machine-readable
// codes for the Tagify server.
//
// Background engines never let these escape their goroutines: terminal
// failures are funneled into the owning state object (scan state, job record,
// download state) and surfaced to callers by polling.
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the application.
const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeValidation    Code = "VALIDATION"
	CodeConflict      Code = "CONFLICT"
	CodeCancelled     Code = "CANCELLED"
	CodeInternal      Code = "INTERNAL"
)

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Sentinel errors for errors.Is checks.
var (
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyExists = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrValidation    = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrConflict      = &Error{Code: CodeConflict, Message: "conflict"}
	ErrCancelled     = &Error{Code: CodeCancelled, Message: "cancelled"}
)

// NotFound creates a NOT_FOUND error.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// AlreadyExists creates an ALREADY_EXISTS error.
func AlreadyExists(msg string) *Error {
	return &Error{Code: CodeAlreadyExists, Message: msg}
}

// Validation creates a VALIDATION error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Conflict creates a CONFLICT error.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// Cancelled creates a CANCELLED error. Cancellation is a distinct terminal
// state, not a failure.
func Cancelled(msg string) *Error {
	return &Error{Code: CodeCancelled, Message: msg}
}

// Internal creates an INTERNAL error wrapping a cause.
func Internal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, cause: cause}
}

// Wrap wraps an error with a message, preserving the code if the cause is
// already a domain error.
func Wrap(msg string, cause error) *Error {
	var e *Error
	if errors.As(cause, &e) {
		return &Error{Code: e.Code, Message: msg, cause: cause}
	}
	return &Error{Code: CodeInternal, Message: msg, cause: cause}
}
