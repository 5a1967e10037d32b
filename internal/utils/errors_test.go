package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "test error message",
	}

	assert.Equal(t, "test error message", err.Error())
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("validation failed")

	assert.Error(t, err)
	assert.Equal(t, "validation failed", err.Error())

	validationErr, ok := err.(*ValidationError)
	assert.True(t, ok)
	assert.Equal(t, "validation failed", validationErr.Message)
}

func TestNewValidationErrorf(t *testing.T) {
	err := NewValidationErrorf("rag.winsor_p must be in [0, 0.5), got %.2f", 0.7)

	assert.Error(t, err)
	assert.Equal(t, "rag.winsor_p must be in [0, 0.5), got 0.70", err.Error())
}

func TestInvariantError_Error(t *testing.T) {
	err := NewInvariantErrorf("BTC", "evidence %d outside [0, 6]", 7)
	assert.Equal(t, "index invariant violated for BTC: evidence 7 outside [0, 6]", err.Error())

	bare := &InvariantError{Detail: "nil profile"}
	assert.Equal(t, "index invariant violated: nil profile", bare.Error())
}

func TestIsInvariantError(t *testing.T) {
	err := NewInvariantErrorf("ETH", "score is NaN")
	wrapped := fmt.Errorf("build failed: %w", err)

	assert.True(t, IsInvariantError(err))
	assert.True(t, IsInvariantError(wrapped))
	assert.False(t, IsInvariantError(NewValidationError("nope")))
	assert.False(t, IsInvariantError(nil))
}
