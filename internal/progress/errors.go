package progress

import (
	"errors"
	"fmt"
)

// ValidationError reports a mutation payload that failed a precondition.
// Mutations that return it leave their input session untouched.
type ValidationError struct {
	// Field names the offending input ("step_id", "phase", "data", ...).
	Field string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
