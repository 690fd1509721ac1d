// Package memerr defines the error taxonomy surfaced by the memory service.
// Every error that crosses a component boundary carries a stable Code so
// callers can branch on kind without string matching.
package memerr

import (
	"errors"
	"fmt"
)

// Code is the stable category of a service error.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeAccessDenied Code = "access_denied"
	CodeConflict     Code = "conflict"
	CodeTooLarge     Code = "too_large"
	CodeUnavailable  Code = "unavailable"
	CodeCancelled    Code = "cancelled"
	CodeInternal     Code = "internal"
)

// Error is the service-level error type. Message must be safe for logs:
// it never contains memory content, only identifiers and counts.
type Error struct {
	Code    Code
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsRetryable reports whether the caller may retry the operation.
// Only unavailability is retryable at the service boundary; transient
// storage errors are already retried inside the engine.
func IsRetryable(err error) bool { return Is(err, CodeUnavailable) }
