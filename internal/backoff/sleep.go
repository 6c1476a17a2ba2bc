package backoff

import (
	"context"
	"time"
)

// SleepWithContext sleeps for the specified duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if the context was cancelled.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepBeforeAttempt sleeps for policy's computed interval at the given
// attempt number, respecting context cancellation.
func SleepBeforeAttempt(ctx context.Context, policy Policy, attempt int) error {
	return SleepWithContext(ctx, policy.Interval(attempt))
}
