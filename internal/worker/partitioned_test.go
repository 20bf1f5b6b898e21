package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Napageneral/insights/internal/analysis"
	"github.com/Napageneral/insights/internal/store"
)

func TestPartitionedRoutesByRecordID(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.Name = "p"
	cfg.QueueCapacity = 400

	sink := store.NewMemory()
	p, err := NewPartitioned(4, cfg, Deps{Analyzer: &fakeAnalyzer{}, Sink: sink})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := p.Partitions()[3].Name(); got != "p-3" {
		t.Fatalf("unexpected partition name %s", got)
	}
	if c := p.Partitions()[0].queue.Capacity(); c != 100 {
		t.Fatalf("expected capacity split to 100, got %d", c)
	}

	if p.route("record-42") != p.route("record-42") {
		t.Fatalf("routing must be stable")
	}
	for i := 0; i < 100; i++ {
		if err := p.Submit(fmt.Sprintf("record-%d", i), text(i)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if p.QueueDepth() != 100 {
		t.Fatalf("expected depth 100, got %d", p.QueueDepth())
	}
	used := 0
	for _, s := range p.Partitions() {
		if s.QueueDepth() > 0 {
			used++
		}
	}
	if used < 2 {
		t.Fatalf("expected records spread over partitions, used %d", used)
	}

	for p.QueueDepth() > 0 {
		for _, s := range p.Partitions() {
			s.RunOnce(context.Background())
		}
	}
	if sink.Len() != 100 {
		t.Fatalf("expected 100 insights, got %d", sink.Len())
	}
}

func TestPartitionedHealthIsolatesBreakers(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	an := &fakeAnalyzer{}
	p, err := NewPartitioned(2, cfg, Deps{Analyzer: an})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	bad := p.Partitions()[0]
	an.setFail(func(int, string) error { return errors.New("down") })
	for i := 0; i < 5; i++ {
		if err := bad.Submit(fmt.Sprintf("r%d", i), text(i)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	bad.RunOnce(context.Background())

	h := p.Health()
	if h.OK() || len(h.Reasons) != 1 || !strings.HasPrefix(h.Reasons[0], "test-0: circuit breaker open") {
		t.Fatalf("unexpected health %+v", h)
	}
	if st := p.BreakerState(); st.RetryAfter != 10*time.Second {
		t.Fatalf("expected worst breaker state, got %+v", st)
	}
	if p.Partitions()[1].BreakerState().State == bad.BreakerState().State {
		t.Fatalf("partitions must not share breakers")
	}
	if len(p.Snapshots()) != 2 {
		t.Fatalf("expected two snapshots")
	}
}

func TestNewPartitionedRejectsZero(t *testing.T) {
	if _, err := NewPartitioned(0, Config{}, Deps{Analyzer: &fakeAnalyzer{}}); err == nil {
		t.Fatalf("expected error")
	}
}

var _ analysis.Analyzer = (*fakeAnalyzer)(nil)
