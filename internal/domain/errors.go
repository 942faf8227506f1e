package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrHistoryUnavailable marks a transient store failure during evaluation.
	// Callers may retry; evaluation never proceeds on partial history.
	ErrHistoryUnavailable = errors.New("history store unavailable")

	// ErrInvalidStatus is returned for an unknown alert review status.
	ErrInvalidStatus = errors.New("invalid alert status")
)

// ValidationError reports a malformed input field. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigurationError reports an invalid detection configuration. It is fatal
// at startup.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Option, e.Reason)
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrHistoryUnavailable)
}
