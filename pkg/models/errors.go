package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity, run, or session is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when an optimistic concurrency
	// check fails; the caller must reload and retry
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotPaused is returned when resuming a run that is not awaiting input
	ErrNotPaused = errors.New("run is not paused for user input")

	// ErrRunLimit is returned when starting a run would exceed the engine's
	// concurrent run cap
	ErrRunLimit = errors.New("concurrent run limit reached")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
