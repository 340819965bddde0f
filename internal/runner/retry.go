package runner

import (
	"context"
	"fmt"
	"time"
)

// tryRunR attempts to run a function up to maxAttempts times. If any time the function f
// succeeds, it returns the result and no error straightaway. Otherwise it returns the result
// and error of the last attempt. Attempts are spaced linearly (attempt * backoff) and the loop
// gives up early once ctx is done.
func tryRunR[R any](ctx context.Context, maxAttempts int, backoff time.Duration, f func() (R, error)) (numAttempts int, result R, lastErr error) {
	maxAttempts = max(maxAttempts, 1)
	for attempts := 1; ; attempts++ {
		result, lastErr = f()
		if lastErr == nil {
			return attempts, result, nil
		}
		if attempts >= maxAttempts {
			return attempts, result, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
		}

		if err := sleep(ctx, time.Duration(attempts)*backoff); err != nil {
			return attempts, result, lastErr
		}
	}
}

// tryRun is tryRunR for functions without a result
func tryRun(ctx context.Context, maxAttempts int, backoff time.Duration, f func() error) (numAttempts int, lastErr error) {
	numAttempts, _, lastErr = tryRunR(ctx, maxAttempts, backoff, func() (struct{}, error) {
		return struct{}{}, f()
	})
	return numAttempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
