// Package metrics exports worker counters and gauges to Prometheus. Each
// Collector owns its registry so several workers (and tests) can coexist in
// one process.
//
// All methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "insights"

type Collector struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	rejected  prometheus.Counter
	skipped   *prometheus.CounterVec
	cacheHits *prometheus.CounterVec
	analyzed  *prometheus.CounterVec
	failed    *prometheus.CounterVec
	deferred  *prometheus.CounterVec
	tokens    prometheus.Counter
	cost      prometheus.Counter
	latency   prometheus.Histogram

	queueDepth  *prometheus.GaugeVec
	batchSize   *prometheus.GaugeVec
	breakerOpen *prometheus.GaugeVec
}

// New registers all worker metrics plus the Go and process collectors on a
// fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_submitted_total",
			Help:      "Records accepted into the ingestion queue.",
		}, []string{"partition"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_rejected_total",
			Help:      "Records refused because the queue was full.",
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Records dropped by the prefilter.",
		}, []string{"reason"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_cache_hits_total",
			Help:      "Records served from a previous analysis.",
		}, []string{"partition"}),
		analyzed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_analyzed_total",
			Help:      "Records analyzed successfully.",
		}, []string{"partition"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Records whose analysis failed, by error kind.",
		}, []string{"kind"}),
		deferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_deferred_total",
			Help:      "Records returned to the queue because the breaker opened.",
		}, []string{"partition"}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Provider tokens consumed.",
		}),
		cost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated provider spend in USD.",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_latency_seconds",
			Help:      "Wall time of successful analysis calls, retries included.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Records waiting in the ingestion queue.",
		}, []string{"partition"}),
		batchSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Current adaptive batch size.",
		}, []string{"partition"}),
		breakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the circuit breaker is open.",
		}, []string{"partition"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Partition scopes per-partition series. A nil Collector yields a nil
// Partition, which records nothing.
func (c *Collector) Partition(name string) *Partition {
	if c == nil {
		return nil
	}
	return &Partition{c: c, name: name}
}

func (c *Collector) ItemRejected() {
	if c == nil {
		return
	}
	c.rejected.Inc()
}

// Partition records worker events for one scheduler.
type Partition struct {
	c    *Collector
	name string
}

func (p *Partition) ItemSubmitted() {
	if p == nil {
		return
	}
	p.c.submitted.WithLabelValues(p.name).Inc()
}

func (p *Partition) ItemRejected() {
	if p == nil {
		return
	}
	p.c.rejected.Inc()
}

func (p *Partition) ItemSkipped(reason string) {
	if p == nil {
		return
	}
	p.c.skipped.WithLabelValues(reason).Inc()
}

func (p *Partition) CacheHit() {
	if p == nil {
		return
	}
	p.c.cacheHits.WithLabelValues(p.name).Inc()
}

func (p *Partition) Analyzed(tokens int, costUSD float64, seconds float64) {
	if p == nil {
		return
	}
	p.c.analyzed.WithLabelValues(p.name).Inc()
	if tokens > 0 {
		p.c.tokens.Add(float64(tokens))
	}
	if costUSD > 0 {
		p.c.cost.Add(costUSD)
	}
	p.c.latency.Observe(seconds)
}

func (p *Partition) Failed(kind string) {
	if p == nil {
		return
	}
	p.c.failed.WithLabelValues(kind).Inc()
}

func (p *Partition) Deferred(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.c.deferred.WithLabelValues(p.name).Add(float64(n))
}

func (p *Partition) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.c.queueDepth.WithLabelValues(p.name).Set(float64(n))
}

func (p *Partition) SetBatchSize(n int) {
	if p == nil {
		return
	}
	p.c.batchSize.WithLabelValues(p.name).Set(float64(n))
}

func (p *Partition) SetBreakerOpen(open bool) {
	if p == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	p.c.breakerOpen.WithLabelValues(p.name).Set(v)
}
