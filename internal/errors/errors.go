package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for siftd.
// It provides rich context for error handling, logging, and job-failure decisions.
type Error struct {
	// Code is the unique error code (e.g., "ERR_301_EMBEDDING_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, External, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with Error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error. Never retried.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// TransientExternal creates an external-service error with the given code.
// These are retried with bounded backoff at the call site; exhausting
// retries fails the current job only.
func TransientExternal(code string, message string, cause error) *Error {
	return New(code, message, cause)
}

// IndexCorruption creates a corrupt-snapshot error. Triggers rebuild from
// the durable store; logged as critical but never fatal to the process.
func IndexCorruption(message string, cause error) *Error {
	return New(ErrCodeCorruptSnapshot, message, cause)
}

// StoreError creates a durable-store error.
func StoreError(message string, cause error) *Error {
	return New(ErrCodeStoreFailed, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error chain contains an Error with Retryable set,
// which marks transient external failures (embedding, vector, queue I/O).
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsCorruption checks if an error indicates index/snapshot corruption.
func IsCorruption(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == ErrCodeCorruptSnapshot
	}
	return false
}

// CodeOf returns the structured code of an error, or ERR_501_INTERNAL
// when the chain carries no structured error.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
