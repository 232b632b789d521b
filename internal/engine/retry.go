package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/weaveflow/weave/pkg/schema"
)

const (
	baseBackoff = 200 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

// backoffDelay computes the sleep before retry attempt n (n >= 1) using
// exponential growth with full jitter: a uniform draw from [0, cap] where
// cap doubles per attempt up to maxBackoff.
func backoffDelay(attempt int) time.Duration {
	ceil := baseBackoff
	for i := 1; i < attempt && ceil < maxBackoff; i++ {
		ceil *= 2
	}
	if ceil > maxBackoff {
		ceil = maxBackoff
	}
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}

// waitBackoff sleeps for the attempt's jittered delay, returning early if
// the run context is cancelled.
func waitBackoff(ctx context.Context, attempt int) error {
	delay := backoffDelay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryable reports whether a step attempt error is worth retrying.
// Context cancellation and structural errors (bad templates, unknown
// runners) never are; timeouts and execution failures are.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var serr *schema.Error
	if errors.As(err, &serr) {
		return serr.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
