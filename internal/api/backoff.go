package api

import (
	"context"
	"time"
)

// Backoff describes a bounded poll schedule: the delay doubles from Initial
// up to Max, for at most MaxAttempts iterations. Keeping the bounds explicit
// keeps timeout behavior deterministic and testable.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the delay before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Wait sleeps for the attempt's delay or returns early on ctx cancellation.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
