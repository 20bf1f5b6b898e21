// Package store persists conversations, insights and the dedup cache in
// sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Napageneral/insights/internal/analysis"
	"github.com/Napageneral/insights/internal/dedup"
)

// ErrNotFound is returned when a record has no stored insight.
var ErrNotFound = errors.New("not found")

// Conversation is a submitted record.
type Conversation struct {
	RecordID   string    `json:"record_id"`
	ExternalID string    `json:"external_id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Insight is a stored analysis result. CachedFrom names the record whose
// analysis was reused, if any.
type Insight struct {
	analysis.Result
	CachedFrom string `json:"cached_from,omitempty"`
}

// SQLite implements the worker's result sink and dedup.Store.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ dedup.Store = (*SQLite)(nil)

// New wraps an open database. The schema must already be applied.
func New(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) SaveConversation(ctx context.Context, c Conversation) error {
	if c.RecordID == "" {
		return fmt.Errorf("record id is required")
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (record_id, external_id, thread_id, text, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			text = excluded.text,
			external_id = excluded.external_id,
			thread_id = excluded.thread_id
	`, c.RecordID, nullable(c.ExternalID), nullable(c.ThreadID), c.Text, created.Unix())
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *SQLite) GetConversation(ctx context.Context, recordID string) (*Conversation, error) {
	var c Conversation
	var ext, thread sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT record_id, external_id, thread_id, text, created_at
		FROM conversations WHERE record_id = ?
	`, recordID).Scan(&c.RecordID, &ext, &thread, &c.Text, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	c.ExternalID = ext.String
	c.ThreadID = thread.String
	c.CreatedAt = time.Unix(created, 0)
	return &c, nil
}

// StoreResult writes the insight for a freshly analyzed record.
func (s *SQLite) StoreResult(ctx context.Context, r *analysis.Result) error {
	if r == nil {
		return fmt.Errorf("nil result")
	}
	topics, err := json.Marshal(r.Topics)
	if err != nil {
		return fmt.Errorf("failed to marshal topics: %w", err)
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insights (record_id, summary, sentiment, topics_json, tokens_used,
			estimated_cost, latency_ms, provider_model, mock, cached_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			summary = excluded.summary,
			sentiment = excluded.sentiment,
			topics_json = excluded.topics_json,
			tokens_used = excluded.tokens_used,
			estimated_cost = excluded.estimated_cost,
			latency_ms = excluded.latency_ms,
			provider_model = excluded.provider_model,
			mock = excluded.mock,
			cached_from = NULL,
			created_at = excluded.created_at
	`, r.RecordID, r.Summary, string(r.Sentiment), string(topics), r.TokensUsed,
		r.EstimatedCost, r.Latency.Milliseconds(), r.ProviderModel, boolInt(r.Mock), created.Unix())
	if err != nil {
		return fmt.Errorf("failed to store insight: %w", err)
	}
	return nil
}

// StoreCached records that recordID is answered by the insight stored for
// ref. The insight is copied with zero tokens and cost since no call was made.
func (s *SQLite) StoreCached(ctx context.Context, recordID, ref string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (record_id, summary, sentiment, topics_json, tokens_used,
			estimated_cost, latency_ms, provider_model, mock, cached_from, created_at)
		SELECT ?, summary, sentiment, topics_json, 0, 0, 0, provider_model, mock, ?, ?
		FROM insights WHERE record_id = ?
		ON CONFLICT(record_id) DO NOTHING
	`, recordID, ref, s.now().Unix(), ref)
	if err != nil {
		return fmt.Errorf("failed to store cached insight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store cached insight: %w", err)
	}
	if n == 0 {
		if _, err := s.GetInsight(ctx, ref); errors.Is(err, ErrNotFound) {
			return fmt.Errorf("cached insight %s: %w", ref, ErrNotFound)
		}
	}
	return nil
}

func (s *SQLite) GetInsight(ctx context.Context, recordID string) (*Insight, error) {
	var in Insight
	var sentiment, topics string
	var model, cachedFrom sql.NullString
	var latencyMS, created int64
	var mock int
	err := s.db.QueryRowContext(ctx, `
		SELECT record_id, summary, sentiment, topics_json, tokens_used, estimated_cost,
			latency_ms, provider_model, mock, cached_from, created_at
		FROM insights WHERE record_id = ?
	`, recordID).Scan(&in.RecordID, &in.Summary, &sentiment, &topics, &in.TokensUsed,
		&in.EstimatedCost, &latencyMS, &model, &mock, &cachedFrom, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get insight: %w", err)
	}
	if err := json.Unmarshal([]byte(topics), &in.Topics); err != nil {
		return nil, fmt.Errorf("failed to decode topics: %w", err)
	}
	in.Sentiment = analysis.ParseSentiment(sentiment)
	in.Latency = time.Duration(latencyMS) * time.Millisecond
	in.ProviderModel = model.String
	in.Mock = mock != 0
	in.CachedFrom = cachedFrom.String
	in.CreatedAt = time.Unix(created, 0)
	return &in, nil
}

func (s *SQLite) GetCacheEntry(ctx context.Context, fingerprint string) (*dedup.Entry, error) {
	var e dedup.Entry
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, result_ref, created_at FROM analysis_cache WHERE fingerprint = ?
	`, fingerprint).Scan(&e.Fingerprint, &e.ResultRef, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	e.CreatedAt = time.Unix(created, 0)
	return &e, nil
}

// PutCacheEntry inserts e unless the fingerprint is already present.
func (s *SQLite) PutCacheEntry(ctx context.Context, e dedup.Entry) (bool, error) {
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (fingerprint, result_ref, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`, e.Fingerprint, e.ResultRef, created.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to put cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to put cache entry: %w", err)
	}
	return n > 0, nil
}

// Stats summarizes what has been stored.
type Stats struct {
	Conversations int64   `json:"conversations"`
	Insights      int64   `json:"insights"`
	CachedServed  int64   `json:"cached_served"`
	CacheEntries  int64   `json:"cache_entries"`
	TokensUsed    int64   `json:"tokens_used"`
	CostUSD       float64 `json:"cost_usd"`
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM insights),
			(SELECT COUNT(*) FROM insights WHERE cached_from IS NOT NULL),
			(SELECT COUNT(*) FROM analysis_cache),
			(SELECT COALESCE(SUM(tokens_used), 0) FROM insights),
			(SELECT COALESCE(SUM(estimated_cost), 0) FROM insights)
	`).Scan(&st.Conversations, &st.Insights, &st.CachedServed, &st.CacheEntries, &st.TokensUsed, &st.CostUSD)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	return st, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
