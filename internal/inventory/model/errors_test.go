package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, ErrNotFound, KindOf(NewError(ErrNotFound, "instance %d not found", 42)))
	assert.Equal(t, ErrInternal, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", WrapError(ErrTimeout, errors.New("deadline"), "drain wait"))
	assert.Equal(t, ErrTimeout, KindOf(wrapped))
}

func TestWrapErrorChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrRemoteUnavailable, cause, "fetch state from %s", "10.0.0.5")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "remote_unavailable")
	assert.Contains(t, err.Error(), "10.0.0.5")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, IsKind(err, ErrRemoteUnavailable))
	assert.False(t, IsKind(err, ErrTimeout))
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := NewError(ErrConflict, "duplicate idempotency key")
	assert.Equal(t, "conflict: duplicate idempotency key", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}
