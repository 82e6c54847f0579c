package common

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a connection, challenge or participant does not exist
	ErrNotFound = errors.New("not found")

	// ErrValidation is the sentinel every ValidationError unwraps to
	ErrValidation = errors.New("validation error")
)

// ValidationError rejects malformed input before any I/O happens
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError for the given field
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound wraps ErrNotFound with the kind and identifier of the missing record
func NotFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}

// IsNotFound reports whether err is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is or wraps ErrValidation
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
