package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveflow/weave/pkg/schema"
)

func TestBackoffDelay_WithinCeiling(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		ceil := baseBackoff
		for i := 1; i < attempt && ceil < maxBackoff; i++ {
			ceil *= 2
		}
		if ceil > maxBackoff {
			ceil = maxBackoff
		}
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceil, "attempt %d", attempt)
		}
	}
}

func TestWaitBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := waitBackoff(ctx, 10)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "cancel interrupts the sleep")
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(errors.New("connection reset")))

	assert.True(t, retryable(schema.NewError(schema.ErrCodeTimeout, "slow")))
	assert.True(t, retryable(schema.NewError(schema.ErrCodeExecution, "boom")))
	assert.False(t, retryable(schema.NewError(schema.ErrCodeTemplate, "bad ref")))
	assert.False(t, retryable(schema.NewError(schema.ErrCodeValidation, "bad shape")))
	assert.False(t, retryable(schema.NewError(schema.ErrCodeCancelled, "stop")))

	wrapped := schema.NewError(schema.ErrCodeRunnerUnavailable, "gone").WithCause(errors.New("x"))
	assert.False(t, retryable(wrapped))
}
