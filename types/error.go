package types

import (
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

const (
	// ErrCodeValidation marks a soft payload/shape mismatch. Callers log it
	// and pass the raw value through rather than failing the pipeline.
	ErrCodeValidation ErrorCode = "VALIDATION_FAILURE"
	// ErrCodeHandlerMissing marks a lookup miss in a handler registry. Soft:
	// logged and treated as a no-op or default route.
	ErrCodeHandlerMissing ErrorCode = "HANDLER_MISSING"
	// ErrCodeTransientIO marks a network/Redis/HTTP failure eligible for retry.
	ErrCodeTransientIO ErrorCode = "TRANSIENT_IO"
	// ErrCodeCircuitOpen marks a fast-fail while a breaker is open. Carries a
	// retry-after hint and consumes no retry attempt.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeMaxRetries is terminal and wraps the last attempt's cause.
	ErrCodeMaxRetries ErrorCode = "MAX_RETRIES_EXCEEDED"
	// ErrCodeGraphValidation marks a malformed workflow graph. Returned as an
	// error list before any execution starts.
	ErrCodeGraphValidation ErrorCode = "GRAPH_VALIDATION"
	// ErrCodeCycleLimit aborts a workflow run that exceeded its cycle ceiling.
	ErrCodeCycleLimit ErrorCode = "CYCLE_LIMIT"
	// ErrCodeDispatch marks a generic dispatch failure.
	ErrCodeDispatch ErrorCode = "DISPATCH_FAILURE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter sets the retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
