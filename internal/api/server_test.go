package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Napageneral/insights/internal/analysis"
	"github.com/Napageneral/insights/internal/backpressure"
	"github.com/Napageneral/insights/internal/metrics"
	"github.com/Napageneral/insights/internal/prefilter"
	"github.com/Napageneral/insights/internal/store"
	"github.com/Napageneral/insights/internal/worker"
)

type fixture struct {
	srv   *Server
	w     *worker.Scheduler
	store *store.Memory
}

func newFixture(t *testing.T, capacity int, limiter *RateLimiter, ping func(context.Context) error) *fixture {
	t.Helper()
	mem := store.NewMemory()
	coll := metrics.New()
	w, err := worker.New(worker.Config{
		Name:          "api-test",
		QueueCapacity: capacity,
		Batch:         backpressure.DefaultConfig(),
		Prefilter:     prefilter.DefaultConfig(),
	}, worker.Deps{
		Analyzer: analysis.NewClient(&analysis.MockProvider{}, analysis.ClientConfig{CostPer1K: 0.002}, nil),
		Sink:     mem,
		Metrics:  coll,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	srv, err := NewServer(Config{
		Worker:  w,
		Store:   mem,
		Limiter: limiter,
		Metrics: coll.Handler(),
		Ping:    ping,
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &fixture{srv: srv, w: w, store: mem}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestIngestEnqueues(t *testing.T) {
	f := newFixture(t, 10, nil, nil)

	rec := f.do(http.MethodPost, "/conversations", `{"external_id":"ext-1","text":"The checkout page keeps timing out on mobile"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	out := decode(t, rec)
	id, _ := out["id"].(string)
	if id == "" || out["enqueued"] != true {
		t.Fatalf("unexpected response %v", out)
	}
	if f.w.QueueDepth() != 1 {
		t.Fatalf("expected one queued record, got %d", f.w.QueueDepth())
	}

	rec = f.do(http.MethodPost, "/conversations", `{"text":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/conversations", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/conversations", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestIngestQueueFull(t *testing.T) {
	f := newFixture(t, 1, nil, nil)
	body := `{"text":"The checkout page keeps timing out on mobile"}`
	if rec := f.do(http.MethodPost, "/conversations", body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/conversations", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue is full, got %d", rec.Code)
	}
}

// savingStore counts saved conversations.
type savingStore struct {
	*store.Memory
	saved []string
}

func (s *savingStore) SaveConversation(ctx context.Context, c store.Conversation) error {
	s.saved = append(s.saved, c.RecordID)
	return s.Memory.SaveConversation(ctx, c)
}

func TestQueueFullSavesNothing(t *testing.T) {
	w, err := worker.New(worker.Config{
		Name:          "full-test",
		QueueCapacity: 1,
		Batch:         backpressure.DefaultConfig(),
		Prefilter:     prefilter.DefaultConfig(),
	}, worker.Deps{
		Analyzer: analysis.NewClient(&analysis.MockProvider{}, analysis.ClientConfig{}, nil),
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	st := &savingStore{Memory: store.NewMemory()}
	srv, err := NewServer(Config{Worker: w, Store: st, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	post := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	body := `{"text":"The checkout page keeps timing out on mobile"}`
	if code := post(body); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	for i := 0; i < 3; i++ {
		if code := post(body); code != http.StatusServiceUnavailable {
			t.Fatalf("retry %d: expected 503, got %d", i, code)
		}
	}
	if len(st.saved) != 1 {
		t.Fatalf("rejected submissions must not be saved, got %v", st.saved)
	}
}

func TestBulkIngest(t *testing.T) {
	f := newFixture(t, 3, nil, nil)

	var items []string
	for i := 0; i < 4; i++ {
		items = append(items, fmt.Sprintf(`{"record_id":"r%d","text":"bulk record %d about shipping delays"}`, i, i))
	}
	rec := f.do(http.MethodPost, "/conversations/bulk", `{"conversations":[`+strings.Join(items, ",")+`]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	out := decode(t, rec)
	if out["enqueued"] != float64(3) || out["rejected"] != float64(1) || out["ingested"] != float64(4) {
		t.Fatalf("unexpected summary %v", out)
	}

	var big bytes.Buffer
	big.WriteString(`{"conversations":[`)
	for i := 0; i < 501; i++ {
		if i > 0 {
			big.WriteString(",")
		}
		big.WriteString(`{"text":"x"}`)
	}
	big.WriteString(`]}`)
	if rec := f.do(http.MethodPost, "/conversations/bulk", big.String()); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/conversations/bulk", `{"conversations":[{"text":"ok text here"},{"text":""}]}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "conversations[1]") {
		t.Fatalf("expected 400 naming the bad item, got %d %s", rec.Code, rec.Body)
	}
}

func TestGetInsightAfterProcessing(t *testing.T) {
	f := newFixture(t, 10, nil, nil)
	rec := f.do(http.MethodPost, "/conversations", `{"record_id":"conv-1","text":"I hate waiting two weeks for a refund on my order"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if rec := f.do(http.MethodGet, "/insights/conv-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before processing, got %d", rec.Code)
	}

	f.w.RunOnce(context.Background())

	rec = f.do(http.MethodGet, "/insights/conv-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	out := decode(t, rec)
	if out["record_id"] != "conv-1" || out["sentiment"] != "negative" || out["mock"] != true {
		t.Fatalf("unexpected insight %v", out)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 10, nil, func(context.Context) error { return errors.New("disk I/O error") })
	rec := f.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decode(t, rec)
	if out["status"] != worker.HealthDegraded || out["db_ok"] != false || out["worker_running"] != false {
		t.Fatalf("unexpected health %v", out)
	}
	reasons, _ := out["reasons"].([]any)
	if len(reasons) != 2 {
		t.Fatalf("expected database and worker reasons, got %v", reasons)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 10, nil, nil)
	f.do(http.MethodPost, "/conversations", `{"text":"The checkout page keeps timing out on mobile"}`)

	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `insights_items_submitted_total{partition="api-test"} 1`) {
		t.Fatalf("submitted counter missing:\n%s", rec.Body)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	f := newFixture(t, 100, limiter, nil)
	body := `{"text":"The checkout page keeps timing out on mobile"}`

	for i := 0; i < 2; i++ {
		if rec := f.do(http.MethodPost, "/conversations", body); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
	}
	rec := f.do(http.MethodPost, "/conversations", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After 30, got %q", rec.Header().Get("Retry-After"))
	}

	// other clients have their own bucket
	req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.2:4444"
	other := httptest.NewRecorder()
	f.srv.ServeHTTP(other, req)
	if other.Code != http.StatusAccepted {
		t.Fatalf("expected other client to pass, got %d", other.Code)
	}

	// query routes are not limited
	if rec := f.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health should not be rate limited, got %d", rec.Code)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if ok, _ := rl.Allow("a"); !ok {
		t.Fatalf("first request should pass")
	}
	ok, wait := rl.Allow("a")
	if ok || wait != time.Second {
		t.Fatalf("expected denial with 1s wait, got %v %s", ok, wait)
	}
	now = now.Add(time.Second)
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatalf("bucket should refill")
	}

	if NewRateLimiter(0, time.Minute) != nil {
		t.Fatalf("zero requests disables limiting")
	}
	var disabled *RateLimiter
	if ok, _ := disabled.Allow("x"); !ok {
		t.Fatalf("nil limiter allows everything")
	}
}

func TestClientKeyIgnoresHeadersFromUntrustedPeers(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:1234"
	if got := rl.clientKey(req); got != "192.168.1.9" {
		t.Fatalf("got %s", got)
	}

	// rotating headers must not buy a fresh bucket
	for i := 0; i < 3; i++ {
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-API-Key", fmt.Sprintf("key-%d", i))
		if got := rl.clientKey(req); got != "192.168.1.9" {
			t.Fatalf("header %d changed the client key to %s", i, got)
		}
	}
	if ok, _ := rl.Allow(rl.clientKey(req)); !ok {
		t.Fatalf("first request should pass")
	}
	if ok, _ := rl.Allow(rl.clientKey(req)); ok {
		t.Fatalf("second request from the same peer should be limited")
	}
}

func TestClientKeyBehindTrustedProxy(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	if err := rl.TrustProxies([]string{"10.0.0.0/8", "172.16.0.5"}); err != nil {
		t.Fatalf("trust: %v", err)
	}
	if err := rl.TrustProxies([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected error for invalid proxy")
	}
	if err := rl.TrustProxies([]string{"10.0.0.0/8", "172.16.0.5"}); err != nil {
		t.Fatalf("trust: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.7, 172.16.0.5")
	if got := rl.clientKey(req); got != "203.0.113.7" {
		t.Fatalf("expected nearest untrusted hop, got %s", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := rl.clientKey(req); got != "10.0.0.1" {
		t.Fatalf("expected proxy address without header, got %s", got)
	}

	req.RemoteAddr = "198.51.100.2:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := rl.clientKey(req); got != "198.51.100.2" {
		t.Fatalf("untrusted peer header should be ignored, got %s", got)
	}
}
