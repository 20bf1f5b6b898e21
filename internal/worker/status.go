package worker

import (
	"fmt"
	"time"

	"github.com/Napageneral/insights/internal/backpressure"
	"github.com/Napageneral/insights/internal/breaker"
)

// Counts are cumulative since the scheduler was created.
type Counts struct {
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Skipped   int64 `json:"skipped"`
	CacheHits int64 `json:"cache_hits"`
	Analyzed  int64 `json:"analyzed"`
	Failed    int64 `json:"failed"`
	Deferred  int64 `json:"deferred"`
	Cycles    int64 `json:"cycles"`
}

// Snapshot is the observable state of a scheduler, published after every
// cycle.
type Snapshot struct {
	Name               string                `json:"name"`
	Running            bool                  `json:"running"`
	QueueDepth         int                   `json:"queue_depth"`
	QueueCapacity      int                   `json:"queue_capacity"`
	Batch              backpressure.Snapshot `json:"batch"`
	Breaker            breaker.Status        `json:"breaker"`
	BreakerTrips       int                   `json:"breaker_trips"`
	OverWatermarkSince time.Time             `json:"over_watermark_since,omitempty"`
	Counts             Counts                `json:"counts"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// Snapshot returns the last published state. QueueDepth is read live.
func (s *Scheduler) Snapshot() Snapshot {
	snap := *s.snapshot.Load()
	snap.QueueDepth = s.queue.Depth()
	snap.Running = s.running.Load()
	snap.Counts = s.loadCounts()
	return snap
}

// publish must only be called from the goroutine that owns the breaker and
// batch controller.
func (s *Scheduler) publish() {
	snap := &Snapshot{
		Name:               s.cfg.Name,
		Running:            s.running.Load(),
		QueueDepth:         s.queue.Depth(),
		QueueCapacity:      s.queue.Capacity(),
		Batch:              s.batcher.Snapshot(),
		Breaker:            s.breaker.Status(),
		BreakerTrips:       s.breaker.Trips(),
		OverWatermarkSince: s.batcher.OverWatermarkSince(),
		Counts:             s.loadCounts(),
		UpdatedAt:          s.cfg.Now(),
	}
	s.snapshot.Store(snap)

	s.metrics.SetQueueDepth(snap.QueueDepth)
	s.metrics.SetBatchSize(snap.Batch.Current)
	s.metrics.SetBreakerOpen(snap.Breaker.State == breaker.Open)
}

func (s *Scheduler) loadCounts() Counts {
	return Counts{
		Submitted: s.counts.submitted.Load(),
		Rejected:  s.counts.rejected.Load(),
		Skipped:   s.counts.skipped.Load(),
		CacheHits: s.counts.cacheHits.Load(),
		Analyzed:  s.counts.analyzed.Load(),
		Failed:    s.counts.failed.Load(),
		Deferred:  s.counts.deferred.Load(),
		Cycles:    s.counts.cycles.Load(),
	}
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

type Health struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

func (h Health) OK() bool { return h.Status == HealthOK }

// Health is degraded while the breaker is open or while queue depth has
// stayed at or above the high watermark for longer than
// SustainedDegradedAfter.
func (s *Scheduler) Health() Health {
	return healthOf(s.Snapshot(), s.cfg.Now(), s.cfg.SustainedDegradedAfter)
}

func healthOf(snap Snapshot, now time.Time, sustained time.Duration) Health {
	h := Health{Status: HealthOK}
	if snap.Breaker.State == breaker.Open && now.Before(snap.Breaker.TrippedUntil) {
		h.Reasons = append(h.Reasons, fmt.Sprintf("circuit breaker open for another %s",
			snap.Breaker.TrippedUntil.Sub(now).Round(time.Millisecond)))
	}
	if !snap.OverWatermarkSince.IsZero() {
		if over := now.Sub(snap.OverWatermarkSince); over >= sustained {
			h.Reasons = append(h.Reasons, fmt.Sprintf("queue depth at or above %d for %s",
				snap.Batch.HighWatermark, over.Round(time.Second)))
		}
	}
	if len(h.Reasons) > 0 {
		h.Status = HealthDegraded
	}
	return h
}
