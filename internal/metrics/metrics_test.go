package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPartitionCounters(t *testing.T) {
	c := New()
	p := c.Partition("0")

	p.ItemSubmitted()
	p.ItemSubmitted()
	p.ItemSkipped("too_short")
	p.CacheHit()
	p.Analyzed(250, 0.5, 0.3)
	p.Failed("timeout")
	p.Deferred(3)
	p.Deferred(0)
	c.ItemRejected()

	if got := testutil.ToFloat64(c.submitted.WithLabelValues("0")); got != 2 {
		t.Fatalf("submitted = %v", got)
	}
	if got := testutil.ToFloat64(c.skipped.WithLabelValues("too_short")); got != 1 {
		t.Fatalf("skipped = %v", got)
	}
	if got := testutil.ToFloat64(c.tokens); got != 250 {
		t.Fatalf("tokens = %v", got)
	}
	if got := testutil.ToFloat64(c.cost); got != 0.5 {
		t.Fatalf("cost = %v", got)
	}
	if got := testutil.ToFloat64(c.deferred.WithLabelValues("0")); got != 3 {
		t.Fatalf("deferred = %v", got)
	}
	if got := testutil.ToFloat64(c.rejected); got != 1 {
		t.Fatalf("rejected = %v", got)
	}
	if n := testutil.CollectAndCount(c.latency); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
}

func TestGauges(t *testing.T) {
	c := New()
	p := c.Partition("1")
	p.SetQueueDepth(42)
	p.SetBatchSize(7)
	p.SetBreakerOpen(true)

	if got := testutil.ToFloat64(c.queueDepth.WithLabelValues("1")); got != 42 {
		t.Fatalf("queue depth = %v", got)
	}
	if got := testutil.ToFloat64(c.batchSize.WithLabelValues("1")); got != 7 {
		t.Fatalf("batch size = %v", got)
	}
	if got := testutil.ToFloat64(c.breakerOpen.WithLabelValues("1")); got != 1 {
		t.Fatalf("breaker open = %v", got)
	}
	p.SetBreakerOpen(false)
	if got := testutil.ToFloat64(c.breakerOpen.WithLabelValues("1")); got != 0 {
		t.Fatalf("breaker open = %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	p := c.Partition("0")
	if p != nil {
		t.Fatalf("expected nil partition")
	}
	p.ItemSubmitted()
	p.Analyzed(1, 1, 1)
	p.SetBreakerOpen(true)
	c.ItemRejected()
	if c.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.Partition("0").ItemSubmitted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `insights_items_submitted_total{partition="0"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
