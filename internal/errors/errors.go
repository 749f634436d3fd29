package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for chunkfusion.
// It provides rich context for error handling, logging, and user presentation.
type Error struct {
	// Code is the unique error code (e.g., "ERR_207_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
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
// This enables errors.Is() to work with *Error.
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

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
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

// NotFound creates an error for a missing group or chunk.
func NotFound(kind, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %q not found", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

// InvalidArgument creates a caller contract violation error.
func InvalidArgument(message string) *Error {
	return New(ErrCodeInvalidArgument, message, nil)
}

// DimensionMismatch creates an error for an embedding whose length does not
// match the group's configured dimension.
func DimensionMismatch(expected, got int) *Error {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", expected, got), nil).
		WithDetail("expected", fmt.Sprint(expected)).
		WithDetail("got", fmt.Sprint(got))
}

// StoreUnavailable wraps a backend failure as a retryable availability error.
func StoreUnavailable(op string, cause error) *Error {
	msg := op + ": store unavailable"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return New(ErrCodeStoreUnavailable, msg, cause).WithDetail("op", op)
}

// InvalidPageToken creates an error for a continuation token that cannot be
// decoded or was issued for a different ordering.
func InvalidPageToken(reason string) *Error {
	return New(ErrCodeInvalidPageToken, "invalid page token: "+reason, nil)
}

// Conflict creates an error for a write that collides with existing state.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message, nil)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
// Returns true if the error chain holds an *Error with Retryable flag set.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if e, ok := As(err); ok {
		return e.Severity == SeverityFatal
	}
	return false
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return GetCode(err) == ErrCodeNotFound
}

// IsDimensionMismatch reports whether err is a DimensionMismatch error.
func IsDimensionMismatch(err error) bool {
	return GetCode(err) == ErrCodeDimensionMismatch
}

// IsInvalidArgument reports whether err is a caller contract violation,
// including invalid page tokens and conflicts.
func IsInvalidArgument(err error) bool {
	return isInvalidArgumentCode(GetCode(err))
}

// IsStoreUnavailable reports whether err signals a store availability failure.
func IsStoreUnavailable(err error) bool {
	return isRetryableCode(GetCode(err))
}

// GetCode extracts the error code from an *Error in err's chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// GetCategory extracts the category from an *Error in err's chain.
// Returns empty string if there is none.
func GetCategory(err error) Category {
	if e, ok := As(err); ok {
		return e.Category
	}
	return ""
}
