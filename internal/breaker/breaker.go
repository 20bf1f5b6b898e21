// Package breaker gates calls to the analysis provider after repeated
// failures. There is no half-open probe: once the cooldown elapses the next
// call is a normal attempt.
//
// A Breaker is owned by exactly one scheduler and is not safe for concurrent
// use.
package breaker

import "time"

type State string

const (
	Closed State = "closed"
	Open   State = "open"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 10 * time.Second
)

type Config struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
}

// Status is a point-in-time view for observers.
type Status struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RetryAfter          time.Duration `json:"retry_after"`
	TrippedUntil        time.Time     `json:"tripped_until,omitempty"`
}

type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	consecutive  int
	trippedUntil time.Time
	trips        int
}

func New(cfg Config) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
	}
}

// Allow reports whether a call may be made now. While open it also returns
// the remaining cooldown. Closing happens here, exactly when the cooldown
// has elapsed.
func (b *Breaker) Allow() (bool, time.Duration) {
	if b.trippedUntil.IsZero() {
		return true, 0
	}
	now := b.now()
	if !now.Before(b.trippedUntil) {
		b.trippedUntil = time.Time{}
		b.consecutive = 0
		return true, 0
	}
	return false, b.trippedUntil.Sub(now)
}

func (b *Breaker) RecordSuccess() {
	b.consecutive = 0
}

// RecordFailure counts a failed call and reports whether it tripped the
// breaker.
func (b *Breaker) RecordFailure() bool {
	b.consecutive++
	if b.consecutive < b.threshold {
		return false
	}
	until := b.now().Add(b.cooldown)
	if until.After(b.trippedUntil) {
		b.trippedUntil = until
	}
	b.trips++
	return true
}

// IsOpen is Allow without the side effect of closing.
func (b *Breaker) IsOpen() bool {
	return !b.trippedUntil.IsZero() && b.now().Before(b.trippedUntil)
}

func (b *Breaker) Status() Status {
	s := Status{
		State:               Closed,
		ConsecutiveFailures: b.consecutive,
	}
	if b.IsOpen() {
		s.State = Open
		s.RetryAfter = b.trippedUntil.Sub(b.now())
		s.TrippedUntil = b.trippedUntil
	}
	return s
}

// Trips counts how many times the breaker has opened.
func (b *Breaker) Trips() int {
	return b.trips
}
