package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// ParseSentiment maps provider output onto the three known values; anything
// unrecognized is neutral.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case Positive:
		return Positive
	case Negative:
		return Negative
	default:
		return Neutral
	}
}

// Result is the outcome of analyzing one record. Never mutated after
// creation.
type Result struct {
	RecordID      string        `json:"record_id"`
	Summary       string        `json:"summary"`
	Sentiment     Sentiment     `json:"sentiment"`
	Topics        []string      `json:"topics"`
	TokensUsed    int           `json:"tokens_used"`
	EstimatedCost float64       `json:"estimated_cost"`
	Latency       time.Duration `json:"latency"`
	ProviderModel string        `json:"provider_model"`
	Mock          bool          `json:"mock"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Response is what a Provider returns for one call, before cost accounting.
type Response struct {
	Summary    string
	Sentiment  string
	Topics     []string
	TokensUsed int
	Model      string
	Mock       bool
	Raw        []byte
}

// Provider performs a single analysis call. Implementations return
// *TransientError, *MalformedResponseError or *PermanentError where they can
// classify a failure; anything else is treated as transient.
type Provider interface {
	Complete(ctx context.Context, text string) (*Response, error)
}

// Analyzer is the contract the scheduler depends on.
type Analyzer interface {
	Analyze(ctx context.Context, recordID, text string) (*Result, error)
}

// ErrCircuitOpen is returned instead of calling the provider while the
// circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Transient failure kinds.
const (
	KindNetwork     = "network"
	KindTimeout     = "timeout"
	KindRateLimited = "rate_limited"
	KindServer      = "server_error"
	KindOther       = "other"
)

// TransientError is a failure worth retrying: network errors, timeouts, rate
// limiting, provider 5xx.
type TransientError struct {
	Kind       string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient analysis failure (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient analysis failure (%s): %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedResponseError means the provider answered but the answer could
// not be parsed. Raw keeps the body for diagnosis.
type MalformedResponseError struct {
	Raw []byte
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed analysis response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// PermanentError is a provider rejection that retrying cannot fix, such as
// an authentication failure.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("analysis rejected (status %d): %v", e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Kind classifies err for logs and metrics labels.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Kind
	}
	var me *MalformedResponseError
	if errors.As(err, &me) {
		return "malformed"
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return "permanent"
	}
	return KindOther
}
