package llm

import (
	"errors"
	"time"
)

// ErrorType buckets provider failures into the handling classes the retry
// and rate-limit layers care about.
type ErrorType string

const (
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeNetwork         ErrorType = "network"
)

// Error normalizes failures across embedding and completion providers so
// callers can branch on class instead of provider-specific types. Cause
// holds the raw provider error for logging.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	RetryAfter *time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// asError pulls the normalized error out of a wrap chain, nil otherwise.
func asError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return nil
}

// IsRateLimitError reports whether err is a provider throttle response.
func IsRateLimitError(err error) bool {
	le := asError(err)
	return le != nil && le.Type == ErrorTypeRateLimit
}

// IsRequestTooLargeError reports whether the provider rejected the payload
// for size.
func IsRequestTooLargeError(err error) bool {
	le := asError(err)
	return le != nil && le.Type == ErrorTypeRequestTooLarge
}

// IsRetryableError reports whether a repeat attempt could succeed. Errors
// outside the normalized taxonomy are never retried.
func IsRetryableError(err error) bool {
	le := asError(err)
	return le != nil && le.Retryable
}

// ExtractRetryAfter returns the provider's wait hint, if it sent one.
func ExtractRetryAfter(err error) *time.Duration {
	if le := asError(err); le != nil {
		return le.RetryAfter
	}
	return nil
}

// NewRateLimitError marks a throttle response, with the provider's
// Retry-After hint when available.
func NewRateLimitError(message string, retryAfter *time.Duration, cause error) *Error {
	return &Error{Type: ErrorTypeRateLimit, Message: message, Retryable: true, RetryAfter: retryAfter, Cause: cause}
}

// NewRequestTooLargeError marks an oversized payload. Retryable so the
// caller may resubmit with truncated input.
func NewRequestTooLargeError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeRequestTooLarge, Message: message, Retryable: true, Cause: cause}
}

// NewTransientError marks a network or availability blip worth retrying.
func NewTransientError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeNetwork, Message: message, Retryable: true, Cause: cause}
}

// NewInvalidRequestError marks a request the provider will never accept.
func NewInvalidRequestError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeInvalidRequest, Message: message, Retryable: false, Cause: cause}
}

// NewProviderError marks an unclassified provider-side failure.
func NewProviderError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeProvider, Message: message, Retryable: false, Cause: cause}
}
