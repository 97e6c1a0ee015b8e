package backoff

import (
	"context"
	"time"
)

// SleepWithContext sleeps for the specified duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if the context was cancelled.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
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

// Sleeper is the settle-delay capability used by the experiment controller.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ContextSleeper sleeps on the wall clock.
type ContextSleeper struct{}

// Sleep implements Sleeper.
func (ContextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	return SleepWithContext(ctx, d)
}
