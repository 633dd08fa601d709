package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreUnavailable is returned when the durable backing could not
	// commit within the deadline. Callers retry with the same idempotency key.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned for unknown incidents, resources or assignments.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an operator action does not apply
	// to the current state (e.g. completing a cancelled assignment).
	ErrInvalidTransition = errors.New("invalid state transition")
)

// FieldError describes one missing or invalid input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every problem found with a submission.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
}

// Add records a field problem.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns e when it holds at least one field error.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
