package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryOnConflict runs op until it succeeds, fails with a non-conflict error,
// or maxRetries attempts are used. Delays double from baseDelay.
func RetryOnConflict(ctx context.Context, maxRetries int, baseDelay time.Duration, op func(context.Context) error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op(ctx)
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
