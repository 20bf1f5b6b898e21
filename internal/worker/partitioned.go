package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/Napageneral/insights/internal/breaker"
)

// Partitioned runs independent schedulers side by side. Each has its own
// queue, breaker and batch controller; a record always lands on the same
// partition for a given record ID.
type Partitioned struct {
	parts []*Scheduler
}

// NewPartitioned creates n schedulers sharing deps. Queue capacity is split
// evenly between them. Partition names are "<name>-<i>".
func NewPartitioned(n int, cfg Config, deps Deps) (*Partitioned, error) {
	if n < 1 {
		return nil, fmt.Errorf("partitions must be >= 1, got %d", n)
	}
	base := cfg.Name
	if base == "" {
		base = "partition"
	}
	capacity := cfg.QueueCapacity
	if n > 1 && capacity > 0 {
		capacity = (capacity + n - 1) / n
	}

	p := &Partitioned{parts: make([]*Scheduler, 0, n)}
	for i := 0; i < n; i++ {
		pc := cfg
		pc.Name = fmt.Sprintf("%s-%d", base, i)
		pc.QueueCapacity = capacity
		s, err := New(pc, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", pc.Name, err)
		}
		p.parts = append(p.parts, s)
	}
	return p, nil
}

func (p *Partitioned) Partitions() []*Scheduler { return p.parts }

func (p *Partitioned) route(recordID string) *Scheduler {
	if len(p.parts) == 1 {
		return p.parts[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(recordID))
	return p.parts[h.Sum32()%uint32(len(p.parts))]
}

func (p *Partitioned) Submit(recordID, text string) error {
	return p.route(recordID).Submit(recordID, text)
}

// Run runs every partition until ctx is cancelled and all have stopped.
func (p *Partitioned) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(p.parts))
	for i, s := range p.parts {
		wg.Add(1)
		go func(i int, s *Scheduler) {
			defer wg.Done()
			errs[i] = s.Run(ctx)
		}(i, s)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Partitioned) QueueDepth() int {
	total := 0
	for _, s := range p.parts {
		total += s.QueueDepth()
	}
	return total
}

// IsRunning reports whether any partition is running.
func (p *Partitioned) IsRunning() bool {
	for _, s := range p.parts {
		if s.IsRunning() {
			return true
		}
	}
	return false
}

// BreakerState is the most restrictive breaker status across partitions.
func (p *Partitioned) BreakerState() breaker.Status {
	var worst breaker.Status
	for i, s := range p.parts {
		st := s.BreakerState()
		if i == 0 || (st.State == breaker.Open && st.RetryAfter > worst.RetryAfter) ||
			(worst.State != breaker.Open && st.ConsecutiveFailures > worst.ConsecutiveFailures) {
			worst = st
		}
	}
	return worst
}

// Health is degraded when any partition is; reasons are prefixed with the
// partition name.
func (p *Partitioned) Health() Health {
	h := Health{Status: HealthOK}
	for _, s := range p.parts {
		ph := s.Health()
		for _, r := range ph.Reasons {
			h.Reasons = append(h.Reasons, s.Name()+": "+r)
		}
	}
	if len(h.Reasons) > 0 {
		h.Status = HealthDegraded
	}
	return h
}

func (p *Partitioned) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(p.parts))
	for _, s := range p.parts {
		out = append(out, s.Snapshot())
	}
	return out
}
