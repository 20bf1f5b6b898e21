package analysis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
)

type ClientConfig struct {
	// Per-attempt timeout.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     Backoff
	// USD per 1000 tokens.
	CostPer1K float64

	// Test hooks; nil means real time and randomness.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	Rand  func() float64
}

// Client wraps a Provider with timeouts, bounded retries and cost
// accounting. The result shape is the same for every provider.
type Client struct {
	provider Provider
	cfg      ClientConfig
	logger   *zap.Logger

	// Usage tracking
	usageMu   sync.Mutex
	calls     int64
	attempts  int64
	failures  int64
	tokens    int64
	costUSD   float64
	malformed int64
}

func NewClient(p Provider, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.CostPer1K < 0 {
		cfg.CostPer1K = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		provider: p,
		cfg:      cfg,
		logger:   logger.Named("analysis"),
	}
}

// Analyze runs the provider call for one record, retrying transient failures
// up to MaxAttempts. Malformed and permanent failures return immediately.
func (c *Client) Analyze(ctx context.Context, recordID, text string) (*Result, error) {
	start := c.cfg.Now()

	var lastErr error
	made := 0
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.cfg.Backoff.Delay(attempt-1, c.cfg.Rand)
			var te *TransientError
			if errors.As(lastErr, &te) && te.RetryAfter > 0 {
				wait = min(te.RetryAfter, c.maxRetryWait())
			}
			c.logger.Info("retrying analysis",
				zap.String("record_id", recordID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxAttempts),
				zap.Duration("wait", wait))
			if err := c.cfg.Sleep(ctx, wait); err != nil {
				lastErr = &TransientError{Kind: KindTimeout, Err: err}
				break
			}
		}

		resp, err := c.attempt(ctx, text)
		made++
		c.countAttempt()
		if err == nil {
			res := c.toResult(recordID, resp, start)
			c.recordSuccess(res)
			c.logger.Debug("analysis succeeded",
				zap.String("record_id", recordID),
				zap.Int("attempt", attempt),
				zap.Duration("latency", res.Latency),
				zap.Int("tokens", res.TokensUsed),
				zap.Float64("cost_usd", res.EstimatedCost))
			return res, nil
		}
		lastErr = err

		var te *TransientError
		if !errors.As(err, &te) {
			c.recordFailure(err)
			c.logger.Warn("analysis failed without retry",
				zap.String("record_id", recordID),
				zap.String("kind", Kind(err)),
				zap.Error(err))
			return nil, err
		}
		c.logger.Warn("transient analysis failure",
			zap.String("record_id", recordID),
			zap.Int("attempt", attempt),
			zap.String("kind", te.Kind),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	c.recordFailure(lastErr)
	return nil, fmt.Errorf("analysis failed after %d attempts: %w", made, lastErr)
}

// maxRetryWait bounds a provider Retry-After hint so one response cannot
// stall the caller past the backoff cap, or the attempt timeout when no cap
// is set.
func (c *Client) maxRetryWait() time.Duration {
	if c.cfg.Backoff.Max > 0 {
		return c.cfg.Backoff.Max
	}
	return c.cfg.Timeout
}

func (c *Client) attempt(ctx context.Context, text string) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.provider.Complete(actx, text)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil {
		return nil, &MalformedResponseError{Err: errors.New("provider returned no response")}
	}
	return resp, nil
}

// classify maps untyped provider errors onto the error taxonomy.
func classify(err error) error {
	var te *TransientError
	var me *MalformedResponseError
	var pe *PermanentError
	switch {
	case errors.As(err, &te), errors.As(err, &me), errors.As(err, &pe):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &TransientError{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &TransientError{Kind: KindTimeout, Err: err}
		}
		return &TransientError{Kind: KindNetwork, Err: err}
	}
	return &TransientError{Kind: KindOther, Err: err}
}

func (c *Client) toResult(recordID string, resp *Response, start time.Time) *Result {
	tokens := resp.TokensUsed
	if tokens < 0 {
		tokens = 0
	}
	topics := make([]string, 0, len(resp.Topics))
	topics = append(topics, resp.Topics...)
	now := c.cfg.Now()
	return &Result{
		RecordID:      recordID,
		Summary:       resp.Summary,
		Sentiment:     ParseSentiment(resp.Sentiment),
		Topics:        topics,
		TokensUsed:    tokens,
		EstimatedCost: EstimateCost(tokens, c.cfg.CostPer1K),
		Latency:       now.Sub(start),
		ProviderModel: resp.Model,
		Mock:          resp.Mock,
		CreatedAt:     now,
	}
}

// EstimateCost is tokens priced at costPer1K USD per thousand.
func EstimateCost(tokens int, costPer1K float64) float64 {
	if tokens <= 0 || costPer1K <= 0 {
		return 0
	}
	return float64(tokens) / 1000.0 * costPer1K
}

// UsageStats contains accumulated usage statistics
type UsageStats struct {
	Calls            int64   `json:"calls"`
	Attempts         int64   `json:"attempts"`
	Failures         int64   `json:"failures"`
	Malformed        int64   `json:"malformed"`
	Tokens           int64   `json:"tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// GetUsageStats returns accumulated usage statistics and estimated cost
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return UsageStats{
		Calls:            c.calls,
		Attempts:         c.attempts,
		Failures:         c.failures,
		Malformed:        c.malformed,
		Tokens:           c.tokens,
		EstimatedCostUSD: c.costUSD,
	}
}

func (c *Client) countAttempt() {
	c.usageMu.Lock()
	c.attempts++
	c.usageMu.Unlock()
}

func (c *Client) recordSuccess(r *Result) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.calls++
	c.tokens += int64(r.TokensUsed)
	c.costUSD += r.EstimatedCost
}

func (c *Client) recordFailure(err error) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.calls++
	c.failures++
	var me *MalformedResponseError
	if errors.As(err, &me) {
		c.malformed++
	}
}
