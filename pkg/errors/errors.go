// Package errors provides a structured error system for mediacache with
// error codes, categories, and context.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a structured error code for mediacache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Analysis errors
	ErrCodeNoApplicableTrack ErrorCode = "NO_APPLICABLE_TRACK"
	ErrCodeDecodeFailure     ErrorCode = "DECODE_FAILURE"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
	ErrCodeUnsupportedKind   ErrorCode = "UNSUPPORTED_KIND"

	// Cache errors
	ErrCodeSerializationFailure ErrorCode = "SERIALIZATION_FAILURE"
	ErrCodeIOFailure            ErrorCode = "IO_FAILURE"
	ErrCodeTypeMismatch         ErrorCode = "TYPE_MISMATCH"
	ErrCodeCacheClosed          ErrorCode = "CACHE_CLOSED"
	ErrCodeDirectoryLocked      ErrorCode = "DIRECTORY_LOCKED"
	ErrCodeCapacityExceeded     ErrorCode = "CAPACITY_EXCEEDED"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryAnalysis      ErrorCategory = "analysis"
	CategoryCache         ErrorCategory = "cache"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error carrying a code, category, optional cause and
// free-form context values.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Category  ErrorCategory  `json:"category"`
	Message   string         `json:"message"`
	Cause     error          `json:"-"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two structured errors by code, so callers can compare against a
// sentinel like errors.Is(err, New(ErrCodeCancelled, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithContext attaches a context value and returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a structured error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryForCode(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error wrapping an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	err := New(code, message)
	err.Cause = cause
	return err
}

// CodeOf extracts the structured code from err, or empty if err is not a
// structured error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given structured code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsCancelled reports whether err represents a cancelled outcome, either a
// structured cancellation or a raw context cancellation.
func IsCancelled(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return true
	}
	return IsCode(err, ErrCodeCancelled)
}

func categoryForCode(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNoApplicableTrack, ErrCodeDecodeFailure, ErrCodeCancelled, ErrCodeUnsupportedKind:
		return CategoryAnalysis
	case ErrCodeSerializationFailure, ErrCodeIOFailure, ErrCodeTypeMismatch, ErrCodeCacheClosed, ErrCodeDirectoryLocked, ErrCodeCapacityExceeded:
		return CategoryCache
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}
