package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("charge booking: %w", Transient("gateway timeout", context.DeadlineExceeded))

	assert.Equal(t, ErrTransient, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "gateway timeout")
}

func TestDeclinedIsNotRetryable(t *testing.T) {
	err := Declined("card declined", nil)

	assert.False(t, IsRetryable(err))
	assert.Equal(t, "card declined", err.Error())
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(0), CodeOf(fmt.Errorf("boom")))
	assert.False(t, IsIneligible(nil))
	assert.True(t, IsIneligible(Ineligible("no payout account")))
	assert.True(t, IsNotFound(NotFound("booking", nil)))
}
