// Package backpressure sizes scheduler batches from two independent inputs:
// whether recent batches succeeded, and whether the queue is falling behind.
// Depth-triggered throttling always wins over success-triggered growth.
//
// A Controller is owned by exactly one scheduler and is not safe for
// concurrent use.
package backpressure

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

type Config struct {
	Min   int
	Max   int
	Start int

	// Multiplicative growth after a clean batch: next = int(cur*Growth)+1.
	Growth float64

	// Queue depth at or above which the batch size is halved.
	HighWatermark int

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Min:           1,
		Max:           50,
		Start:         5,
		Growth:        1.2,
		HighWatermark: 1000,
	}
}

type Controller struct {
	cfg Config

	current int
	// size handed out by the previous Next call; 0 before the first cycle
	last int

	overSince time.Time

	adjusts      int
	lastDecision string
}

// New validates cfg. Invalid bounds are a construction-time error.
func New(cfg Config) (*Controller, error) {
	if cfg.Min < 1 {
		return nil, fmt.Errorf("min batch size must be >= 1, got %d", cfg.Min)
	}
	if cfg.Min > cfg.Max {
		return nil, fmt.Errorf("min batch size %d > max batch size %d", cfg.Min, cfg.Max)
	}
	if cfg.Start == 0 {
		cfg.Start = cfg.Min
	}
	if cfg.Start < cfg.Min || cfg.Start > cfg.Max {
		return nil, fmt.Errorf("start batch size %d outside [%d, %d]", cfg.Start, cfg.Min, cfg.Max)
	}
	if cfg.HighWatermark < 1 {
		return nil, fmt.Errorf("high watermark must be >= 1, got %d", cfg.HighWatermark)
	}
	if cfg.Growth <= 1.0 {
		cfg.Growth = 1.2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:          cfg,
		current:      cfg.Start,
		lastDecision: "start",
	}, nil
}

// Next returns the batch size for the coming cycle given the current queue
// depth.
func (c *Controller) Next(depth int) int {
	size := c.current
	if depth >= c.cfg.HighWatermark {
		if c.overSince.IsZero() {
			c.overSince = c.cfg.Now()
		}
		prev := c.last
		if prev == 0 {
			prev = c.current
		}
		if half := prev / 2; size > half {
			size = half
		}
		c.decide(c.clamp(size), "throttle (depth="+strconv.Itoa(depth)+")")
	} else {
		c.overSince = time.Time{}
		c.current = c.clamp(size)
	}
	c.last = c.current
	return c.current
}

// Observe feeds back the outcome of the batch that just finished. total is
// the number of items that reached a terminal outcome, failures the number
// that failed analysis.
func (c *Controller) Observe(total, failures int) {
	switch {
	case failures > 0:
		c.decide(c.clamp(c.current/2), "decrease (failures="+strconv.Itoa(failures)+")")
	case total > 0:
		next := int(math.Floor(float64(c.current)*c.cfg.Growth)) + 1
		c.decide(c.clamp(next), "increase (total="+strconv.Itoa(total)+")")
	}
}

// Current is the size the next cycle starts from, before depth throttling.
func (c *Controller) Current() int {
	return c.current
}

// OverWatermarkSince is when depth first reached the watermark in the current
// run of over-watermark observations, or zero.
func (c *Controller) OverWatermarkSince() time.Time {
	return c.overSince
}

// Snapshot is a point-in-time view for observers.
type Snapshot struct {
	Current       int    `json:"current"`
	Min           int    `json:"min"`
	Max           int    `json:"max"`
	HighWatermark int    `json:"high_watermark"`
	Adjustments   int    `json:"adjustments"`
	LastDecision  string `json:"last_decision"`
}

func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Current:       c.current,
		Min:           c.cfg.Min,
		Max:           c.cfg.Max,
		HighWatermark: c.cfg.HighWatermark,
		Adjustments:   c.adjusts,
		LastDecision:  c.lastDecision,
	}
}

func (c *Controller) decide(next int, decision string) {
	if next != c.current {
		c.current = next
		c.adjusts++
		c.lastDecision = decision
	}
}

func (c *Controller) clamp(n int) int {
	if n < c.cfg.Min {
		return c.cfg.Min
	}
	if n > c.cfg.Max {
		return c.cfg.Max
	}
	return n
}
