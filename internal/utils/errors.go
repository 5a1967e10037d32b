package utils

import (
	"errors"
	"fmt"
)

// ValidationError represents an error occurring during data validation.
type ValidationError struct {
	Message string
}

// Error returns the error message string.
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError with a specific message.
func NewValidationError(message string) error {
	return &ValidationError{
		Message: message,
	}
}

// NewValidationErrorf creates a new ValidationError with a formatted message.
//
// Parameters:
//   - format: The format string.
//   - args: Arguments for the format string.
//
// Returns:
//   - An error interface wrapping the ValidationError.
func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{
		Message: fmt.Sprintf(format, args...),
	}
}

// InvariantError reports corrupted in-memory state found while building an index.
// A build that hits one must not publish.
type InvariantError struct {
	Asset  string
	Detail string
}

// Error returns the error message string.
func (e *InvariantError) Error() string {
	if e.Asset == "" {
		return "index invariant violated: " + e.Detail
	}
	return fmt.Sprintf("index invariant violated for %s: %s", e.Asset, e.Detail)
}

// NewInvariantErrorf creates a new InvariantError for an asset with a formatted detail.
func NewInvariantErrorf(asset, format string, args ...interface{}) error {
	return &InvariantError{
		Asset:  asset,
		Detail: fmt.Sprintf(format, args...),
	}
}

// IsInvariantError reports whether any error in err's chain is an InvariantError.
func IsInvariantError(err error) bool {
	var target *InvariantError
	return errors.As(err, &target)
}
