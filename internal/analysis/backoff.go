package analysis

import (
	"context"
	"math"
	"time"
)

// Backoff computes the wait before a retry: Base*2^(retry-1), capped at Max,
// with jitter uniformly spread over [-MaxJitter/2, +MaxJitter/2]. A zero
// Backoff never waits.
type Backoff struct {
	Base      time.Duration
	MaxJitter time.Duration
	Max       time.Duration
}

// Delay returns the wait before retry number retry (1-based). rnd returns a
// value in [0, 1).
func (b Backoff) Delay(retry int, rnd func() float64) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(retry-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.MaxJitter > 0 && rnd != nil {
		d += (rnd() - 0.5) * float64(b.MaxJitter)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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
