// Package worker runs the adaptive batching loop: it drains the ingestion
// queue in batches sized by the backpressure controller, filters and
// deduplicates each record, and sends the rest to the analysis client behind
// a circuit breaker.
//
// A Scheduler's breaker and batch controller are touched only by the
// goroutine running Run. Other goroutines observe them through a snapshot
// published after every cycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/insights/internal/analysis"
	"github.com/Napageneral/insights/internal/backpressure"
	"github.com/Napageneral/insights/internal/breaker"
	"github.com/Napageneral/insights/internal/bus"
	"github.com/Napageneral/insights/internal/dedup"
	"github.com/Napageneral/insights/internal/metrics"
	"github.com/Napageneral/insights/internal/prefilter"
	"github.com/Napageneral/insights/internal/queue"
)

const (
	defaultName                   = "worker"
	defaultIdleInterval           = 50 * time.Millisecond
	defaultSustainedDegradedAfter = 30 * time.Second
)

var ErrAlreadyRunning = errors.New("worker already running")

// ResultSink receives analysis outcomes.
type ResultSink interface {
	StoreResult(ctx context.Context, r *analysis.Result) error
	// StoreCached records that recordID is answered by the result stored
	// for ref.
	StoreCached(ctx context.Context, recordID, ref string) error
}

// EventLog records per-record processing outcomes.
type EventLog interface {
	RecordEvent(ctx context.Context, typ, recordID, status, message string) error
}

type Config struct {
	Name          string
	QueueCapacity int
	Batch         backpressure.Config
	Breaker       breaker.Config
	Prefilter     prefilter.Config
	IdleInterval  time.Duration
	// Depth must stay at or above the watermark this long before Health
	// reports degraded.
	SustainedDegradedAfter time.Duration

	// Test hooks; nil means real time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Deps struct {
	Analyzer analysis.Analyzer
	Sink     ResultSink
	// Nil disables deduplication.
	Cache   *dedup.Cache
	Events  EventLog
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

type Scheduler struct {
	cfg Config

	queue    *queue.Queue
	filter   *prefilter.Prefilter
	cache    *dedup.Cache
	analyzer analysis.Analyzer
	sink     ResultSink
	events   EventLog
	metrics  *metrics.Partition
	logger   *zap.Logger

	// owned by the Run goroutine
	breaker     *breaker.Breaker
	batcher     *backpressure.Controller
	breakerOpen bool

	running  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
	counts   counters
}

type counters struct {
	submitted atomic.Int64
	rejected  atomic.Int64
	skipped   atomic.Int64
	cacheHits atomic.Int64
	analyzed  atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	cycles    atomic.Int64
}

// New builds a scheduler. Invalid batch bounds or a missing analyzer are
// errors; everything else falls back to defaults.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if cfg.SustainedDegradedAfter <= 0 {
		cfg.SustainedDegradedAfter = defaultSustainedDegradedAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = analysis.SleepContext
	}
	cfg.Batch.Now = cfg.Now
	cfg.Breaker.Now = cfg.Now

	batcher, err := backpressure.New(cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}
	sink := deps.Sink
	if sink == nil {
		sink = nopSink{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:      cfg,
		queue:    queue.New(cfg.QueueCapacity),
		filter:   prefilter.New(cfg.Prefilter),
		cache:    deps.Cache,
		analyzer: deps.Analyzer,
		sink:     sink,
		events:   deps.Events,
		metrics:  deps.Metrics.Partition(cfg.Name),
		logger:   logger.Named("worker").With(zap.String("worker", cfg.Name)),
		breaker:  breaker.New(cfg.Breaker),
		batcher:  batcher,
	}
	s.publish()
	return s, nil
}

func (s *Scheduler) Name() string { return s.cfg.Name }

// Submit enqueues a record without blocking. It returns queue.ErrQueueFull
// when the queue is at capacity.
func (s *Scheduler) Submit(recordID, text string) error {
	err := s.queue.Enqueue(queue.Item{RecordID: recordID, Text: text})
	if err != nil {
		s.counts.rejected.Add(1)
		s.metrics.ItemRejected()
		return err
	}
	s.counts.submitted.Add(1)
	s.metrics.ItemSubmitted()
	return nil
}

func (s *Scheduler) QueueDepth() int { return s.queue.Depth() }

func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// BreakerState is the breaker status as of the last completed cycle.
func (s *Scheduler) BreakerState() breaker.Status {
	return s.Snapshot().Breaker
}

// BatchSize is the batch size as of the last completed cycle.
func (s *Scheduler) BatchSize() int {
	return s.Snapshot().Batch.Current
}

// Run processes batches until ctx is cancelled. Cancellation is honored
// between cycles; a batch in progress always finishes.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		s.running.Store(false)
		s.publish()
	}()

	s.logger.Info("worker started",
		zap.Int("queue_capacity", s.queue.Capacity()),
		zap.Int("batch_size", s.batcher.Current()))
	s.publish()

	for ctx.Err() == nil {
		s.RunOnce(ctx)
	}

	s.logger.Info("worker stopped",
		zap.Int("queue_depth", s.queue.Depth()),
		zap.Int64("analyzed", s.counts.analyzed.Load()))
	return nil
}

// CycleResult describes one pass of the loop.
type CycleResult struct {
	// Cooldown slept because the breaker was open; nothing was dequeued.
	BreakerWait time.Duration
	Idle        bool

	Size      int
	Dequeued  int
	Skipped   int
	CacheHits int
	Analyzed  int
	Failed    int
	Deferred  int
}

// RunOnce executes a single cycle. Run calls it in a loop; it is exported so
// callers can drive the worker step by step.
func (s *Scheduler) RunOnce(ctx context.Context) CycleResult {
	var res CycleResult
	s.counts.cycles.Add(1)
	defer s.publish()

	if ok, wait := s.allow(ctx); !ok {
		res.BreakerWait = wait
		s.logger.Debug("breaker open, waiting for cooldown", zap.Duration("wait", wait))
		_ = s.cfg.Sleep(ctx, wait)
		return res
	}

	res.Size = s.batcher.Next(s.queue.Depth())
	items := s.queue.DequeueBatch(res.Size)
	res.Dequeued = len(items)
	if len(items) == 0 {
		res.Idle = true
		_ = s.cfg.Sleep(ctx, s.cfg.IdleInterval)
		return res
	}

	// In-flight analysis is not abandoned on shutdown.
	actx := context.WithoutCancel(ctx)

	var deferred []queue.Item
	for _, item := range items {
		switch s.process(actx, item) {
		case outcomeSkipped:
			res.Skipped++
		case outcomeCached:
			res.CacheHits++
		case outcomeAnalyzed:
			res.Analyzed++
		case outcomeFailed:
			res.Failed++
		case outcomeDeferred:
			res.Deferred++
			deferred = append(deferred, item)
		}
	}

	s.batcher.Observe(res.Analyzed+res.Failed, res.Failed)

	if len(deferred) > 0 {
		s.queue.Requeue(deferred)
		s.counts.deferred.Add(int64(len(deferred)))
		s.metrics.Deferred(len(deferred))
		s.logger.Warn("deferred records until breaker closes",
			zap.Int("count", len(deferred)),
			zap.Error(analysis.ErrCircuitOpen))
	}

	s.logger.Debug("batch complete",
		zap.Int("size", res.Size),
		zap.Int("dequeued", res.Dequeued),
		zap.Int("skipped", res.Skipped),
		zap.Int("cache_hits", res.CacheHits),
		zap.Int("analyzed", res.Analyzed),
		zap.Int("failed", res.Failed),
		zap.Int("deferred", res.Deferred),
		zap.Int("next_size", s.batcher.Current()))
	return res
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCached
	outcomeAnalyzed
	outcomeFailed
	outcomeDeferred
)

// process takes one record to a terminal outcome or defers it. Errors are
// contained here so one record never aborts the batch.
func (s *Scheduler) process(ctx context.Context, item queue.Item) outcome {
	if reason := s.filter.Reason(item.Text); reason != "" {
		s.counts.skipped.Add(1)
		s.metrics.ItemSkipped(reason)
		s.emit(ctx, bus.TypeItem, item.RecordID, bus.StatusSkipped, reason)
		return outcomeSkipped
	}

	if s.cache != nil {
		ref, ok, err := s.cache.Lookup(ctx, item.Text)
		switch {
		case err != nil:
			s.logger.Warn("cache lookup failed; analyzing",
				zap.String("record_id", item.RecordID), zap.Error(err))
		case ok:
			if err := s.sink.StoreCached(ctx, item.RecordID, ref); err != nil {
				s.logger.Warn("failed to store cached result; analyzing",
					zap.String("record_id", item.RecordID),
					zap.String("ref", ref),
					zap.Error(err))
				break
			}
			s.counts.cacheHits.Add(1)
			s.metrics.CacheHit()
			s.emit(ctx, bus.TypeItem, item.RecordID, bus.StatusCached, ref)
			return outcomeCached
		}
	}

	result, err := s.analyze(ctx, item)
	if errors.Is(err, analysis.ErrCircuitOpen) {
		s.emit(ctx, bus.TypeItem, item.RecordID, bus.StatusDeferred, err.Error())
		return outcomeDeferred
	}
	if err != nil {
		kind := analysis.Kind(err)
		s.counts.failed.Add(1)
		s.metrics.Failed(kind)
		s.logger.Warn("analysis failed",
			zap.String("record_id", item.RecordID),
			zap.String("kind", kind),
			zap.Error(err))
		s.emit(ctx, bus.TypeItem, item.RecordID, bus.StatusFailed, err.Error())
		return outcomeFailed
	}

	if err := s.sink.StoreResult(ctx, result); err != nil {
		s.counts.failed.Add(1)
		s.metrics.Failed("storage")
		s.logger.Error("failed to store result",
			zap.String("record_id", item.RecordID), zap.Error(err))
		s.emit(ctx, bus.TypeItem, item.RecordID, bus.StatusFailed, err.Error())
		return outcomeFailed
	}
	if s.cache != nil {
		if _, err := s.cache.Record(ctx, item.Text, item.RecordID); err != nil {
			s.logger.Warn("failed to record cache entry",
				zap.String("record_id", item.RecordID), zap.Error(err))
		}
	}

	s.counts.analyzed.Add(1)
	s.metrics.Analyzed(result.TokensUsed, result.EstimatedCost, result.Latency.Seconds())
	s.emit(ctx, bus.TypeItem, item.RecordID, bus.StatusAnalyzed, "")
	return outcomeAnalyzed
}

// allow asks the breaker for permission and reports the open to closed
// transition once. It is the only place the breaker closes, both between
// cycles and mid-batch.
func (s *Scheduler) allow(ctx context.Context) (bool, time.Duration) {
	ok, wait := s.breaker.Allow()
	if ok && s.breakerOpen {
		s.breakerOpen = false
		s.logger.Info("circuit breaker closed")
		s.emit(ctx, bus.TypeBreaker, "", bus.StatusClosed, "cooldown elapsed")
	}
	return ok, wait
}

// analyze calls the analyzer unless the breaker is open, and feeds the
// outcome back into the breaker.
func (s *Scheduler) analyze(ctx context.Context, item queue.Item) (*analysis.Result, error) {
	if ok, _ := s.allow(ctx); !ok {
		return nil, analysis.ErrCircuitOpen
	}
	result, err := s.analyzer.Analyze(ctx, item.RecordID, item.Text)
	if err == nil && result == nil {
		err = &analysis.MalformedResponseError{Err: errors.New("analyzer returned no result")}
	}
	if err != nil {
		if s.breaker.RecordFailure() && !s.breakerOpen {
			s.breakerOpen = true
			st := s.breaker.Status()
			s.logger.Warn("circuit breaker opened",
				zap.Int("consecutive_failures", st.ConsecutiveFailures),
				zap.Duration("retry_after", st.RetryAfter))
			s.emit(ctx, bus.TypeBreaker, "", bus.StatusTripped,
				fmt.Sprintf("%d consecutive failures", st.ConsecutiveFailures))
		}
		return nil, err
	}
	s.breaker.RecordSuccess()
	return result, nil
}

func (s *Scheduler) emit(ctx context.Context, typ, recordID, status, message string) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordEvent(ctx, typ, recordID, status, message); err != nil {
		s.logger.Warn("failed to record processing event",
			zap.String("record_id", recordID),
			zap.String("status", status),
			zap.Error(err))
	}
}

type nopSink struct{}

func (nopSink) StoreResult(context.Context, *analysis.Result) error { return nil }
func (nopSink) StoreCached(context.Context, string, string) error  { return nil }
