package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors raised while validating pipeline input and model output.
var (
	// ErrEmptyContentID indicates that a content item has no identifier.
	ErrEmptyContentID = errors.New("content id is empty")

	// ErrEmptyClaimText indicates a candidate claim with blank text.
	ErrEmptyClaimText = errors.New("claim text is empty")

	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures. A claim that fails
// validation is dropped; the run continues.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %s", e.Entity, strings.Join(e.Errors, "; "))
}

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}

// ValidateContentItem checks the fields the pipeline relies on.
func ValidateContentItem(item ContentItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return ErrEmptyContentID
	}
	return nil
}
