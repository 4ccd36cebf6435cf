package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes classifying provider failures.
const (
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeNotFound           = "NOT_FOUND"
	CodeMalformedRequest   = "MALFORMED_REQUEST"
	CodeAuthError          = "AUTH_ERROR"
	CodeUnknown            = "UNKNOWN"
)

// Error is a classified provider failure. Retryable errors are retried by
// the worker with backoff; terminal ones surface immediately. NotFound is
// terminal but not an operational failure: absence of data is a valid
// outcome recorded as NO_DATA_AVAILABLE, never as FAILED.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited reports the provider rejected the call for pacing reasons.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: msg, Retryable: true, RetryAfter: retryAfter}
}

// Unavailable reports a transient provider outage.
func Unavailable(msg string, err error) *Error {
	return &Error{Code: CodeServiceUnavailable, Message: msg, Retryable: true, Err: err}
}

// TimedOut reports the provider call exceeded its deadline.
func TimedOut(msg string, err error) *Error {
	return &Error{Code: CodeTimeout, Message: msg, Retryable: true, Err: err}
}

// NotFound reports the provider has no data for the request.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg, Retryable: false}
}

// Malformed reports a request the provider rejected as invalid. This is a
// configuration bug, not transient trouble, so it is never retried.
func Malformed(msg string) *Error {
	return &Error{Code: CodeMalformedRequest, Message: msg, Retryable: false}
}

// AuthFailed reports rejected credentials.
func AuthFailed(msg string) *Error {
	return &Error{Code: CodeAuthError, Message: msg, Retryable: false}
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through; context deadline errors become Timeout; everything
// else is treated as a retryable unknown so transient faults aren't
// dead-lettered on the first attempt.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "provider call timed out", Retryable: true, Err: err}
	}
	return &Error{Code: CodeUnknown, Message: err.Error(), Retryable: true, Err: err}
}

// IsNotFound reports whether err is the taxonomy's NotFound.
func IsNotFound(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Code == CodeNotFound
}
