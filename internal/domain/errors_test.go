package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		err := NewValidationError("claim")
		err.AddError("text is blank")

		assert.Equal(t, "validation error for claim: text is blank", err.Error())
		assert.True(t, err.HasErrors(), "Should have errors")
		assert.Len(t, err.Errors, 1, "Should have one error")
	})

	t.Run("multiple errors", func(t *testing.T) {
		err := NewValidationError("claim")
		err.AddError("text is blank")
		err.AddError("confidence out of range")

		assert.Equal(t, "validation errors for claim: text is blank; confidence out of range", err.Error())
		assert.Len(t, err.Errors, 2, "Should have two errors")
	})

	t.Run("no errors", func(t *testing.T) {
		err := NewValidationError("claim")

		assert.False(t, err.HasErrors(), "Should not have errors")
		assert.Empty(t, err.Errors, "Errors slice should be empty")
	})

	t.Run("detectable with errors.As", func(t *testing.T) {
		var wrapped error = NewValidationError("claim")
		var target *ValidationError
		assert.True(t, errors.As(wrapped, &target), "ValidationError should be matchable")
	})
}

func TestValidateContentItem(t *testing.T) {
	assert.ErrorIs(t, ValidateContentItem(ContentItem{}), ErrEmptyContentID, "missing id must be rejected")
	assert.ErrorIs(t, ValidateContentItem(ContentItem{ID: "   "}), ErrEmptyContentID, "blank id must be rejected")
	assert.NoError(t, ValidateContentItem(ContentItem{ID: "c1"}), "an id is all the pipeline requires")
}
