package backpressure

import (
	"math/rand"
	"testing"
	"time"
)

func mustNew(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	for _, cfg := range []Config{
		{Min: 0, Max: 10, Start: 1, HighWatermark: 10},
		{Min: 10, Max: 5, Start: 5, HighWatermark: 10},
		{Min: 1, Max: 10, Start: 11, HighWatermark: 10},
		{Min: 1, Max: 10, Start: 5, HighWatermark: 0},
	} {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestGrowOnSuccessShrinkOnFailure(t *testing.T) {
	c := mustNew(t, Config{Min: 1, Max: 50, Start: 5, Growth: 1.2, HighWatermark: 1000})

	if got := c.Next(0); got != 5 {
		t.Fatalf("expected start size 5, got %d", got)
	}
	c.Observe(5, 0)
	if got := c.Next(0); got != 7 {
		t.Fatalf("expected growth to 7, got %d", got)
	}
	c.Observe(7, 1)
	if got := c.Next(0); got != 3 {
		t.Fatalf("expected shrink to 3, got %d", got)
	}
	c.Observe(0, 0)
	if got := c.Next(0); got != 3 {
		t.Fatalf("empty batch should not change size, got %d", got)
	}
}

func TestBoundsHoldForArbitrarySequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := mustNew(t, Config{Min: 2, Max: 40, Start: 10, HighWatermark: 500})

	for i := 0; i < 10_000; i++ {
		size := c.Next(rng.Intn(1000))
		if size < 2 || size > 40 {
			t.Fatalf("step %d: size %d out of [2,40]", i, size)
		}
		failures := 0
		if rng.Intn(3) == 0 {
			failures = rng.Intn(size) + 1
		}
		c.Observe(size, failures)
		if cur := c.Current(); cur < 2 || cur > 40 {
			t.Fatalf("step %d: current %d out of [2,40]", i, cur)
		}
	}
}

func TestDepthThrottleBeatsSuccessGrowth(t *testing.T) {
	c := mustNew(t, Config{Min: 1, Max: 50, Start: 40, HighWatermark: 1000})

	prev := c.Next(10)
	c.Observe(prev, 0)
	if c.Current() <= prev {
		t.Fatalf("expected success growth, current=%d", c.Current())
	}

	next := c.Next(1000)
	if next > prev/2 {
		t.Fatalf("expected <= %d after crossing watermark, got %d", prev/2, next)
	}

	// Keeps halving while over the watermark, regardless of success.
	for i := 0; i < 10; i++ {
		c.Observe(next, 0)
		got := c.Next(1500)
		want := next / 2
		if want < 1 {
			want = 1
		}
		if got > want {
			t.Fatalf("iteration %d: expected <= %d, got %d", i, want, got)
		}
		next = got
	}
	if next != 1 {
		t.Fatalf("expected to bottom out at min, got %d", next)
	}

	// Below the watermark, successes grow it back.
	c.Observe(next, 0)
	if got := c.Next(10); got <= next {
		t.Fatalf("expected recovery growth below watermark, got %d", got)
	}
}

func TestSuccessAxisIndependentOfDepthAxis(t *testing.T) {
	// Failure with a shallow queue shrinks; success with a deep queue still
	// shrinks; success with a shallow queue grows.
	c := mustNew(t, Config{Min: 1, Max: 64, Start: 16, HighWatermark: 100})

	c.Next(0)
	c.Observe(16, 2)
	if got := c.Next(0); got != 8 {
		t.Fatalf("failure axis: expected 8, got %d", got)
	}
	c.Observe(8, 0)
	if got := c.Next(100); got != 4 {
		t.Fatalf("depth axis: expected 4, got %d", got)
	}
	c.Observe(4, 0)
	if got := c.Next(0); got != 5 {
		t.Fatalf("recovery: expected 5, got %d", got)
	}
}

func TestOverWatermarkSince(t *testing.T) {
	now := time.Unix(100, 0)
	c := mustNew(t, Config{Min: 1, Max: 10, Start: 5, HighWatermark: 10, Now: func() time.Time { return now }})

	c.Next(5)
	if !c.OverWatermarkSince().IsZero() {
		t.Fatalf("expected zero below watermark")
	}
	c.Next(10)
	if !c.OverWatermarkSince().Equal(now) {
		t.Fatalf("expected over-since to be set")
	}
	first := now
	now = now.Add(time.Minute)
	c.Next(20)
	if !c.OverWatermarkSince().Equal(first) {
		t.Fatalf("over-since should stick to the first crossing")
	}
	c.Next(9)
	if !c.OverWatermarkSince().IsZero() {
		t.Fatalf("expected reset once below watermark")
	}
}

func TestSnapshot(t *testing.T) {
	c := mustNew(t, DefaultConfig())
	c.Next(0)
	c.Observe(5, 0)
	s := c.Snapshot()
	if s.Current != 7 || s.Adjustments != 1 || s.Max != 50 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if s.LastDecision == "" || s.LastDecision == "start" {
		t.Fatalf("expected decision to be recorded, got %q", s.LastDecision)
	}
}
