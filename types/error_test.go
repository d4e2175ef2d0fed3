package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := NewError(ErrWorkerError, "step execution failed")
	assert.Equal(t, "[WORKER_ERROR] step execution failed", err.Error())

	cause := errors.New("connection refused")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_Classification(t *testing.T) {
	err := NewError(ErrNoAvailableAgent, "no instance for role implementation").
		WithStep("impl-1").
		WithRetryable(true)

	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrNoAvailableAgent, GetErrorCode(err))
	assert.Equal(t, "impl-1", GetStepID(err))

	// Wrapped errors still classify via errors.As.
	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, ErrNoAvailableAgent, GetErrorCode(wrapped))
}

func TestError_Defaults(t *testing.T) {
	plain := errors.New("plain")
	assert.False(t, IsRetryable(plain))
	assert.Equal(t, ErrorCode(""), GetErrorCode(plain))
	assert.Equal(t, "", GetStepID(plain))
}
