// Package api exposes ingestion and query endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Napageneral/insights/internal/breaker"
	"github.com/Napageneral/insights/internal/queue"
	"github.com/Napageneral/insights/internal/store"
	"github.com/Napageneral/insights/internal/worker"
)

const (
	maxBulkItems = 500
	maxTextRunes = 10000
	maxBodyBytes = 8 << 20
)

// Worker is the ingestion side of the scheduler (single or partitioned).
type Worker interface {
	Submit(recordID, text string) error
	QueueDepth() int
	IsRunning() bool
	BreakerState() breaker.Status
	Health() worker.Health
}

// Store persists submitted conversations and serves stored insights.
type Store interface {
	SaveConversation(ctx context.Context, c store.Conversation) error
	GetInsight(ctx context.Context, recordID string) (*store.Insight, error)
}

type Config struct {
	Worker  Worker
	Store   Store
	Limiter *RateLimiter
	// Serves GET /metrics when set.
	Metrics http.Handler
	// Optional database liveness check for /health.
	Ping   func(ctx context.Context) error
	Logger *zap.Logger
}

type Server struct {
	cfg     Config
	router  *mux.Router
	logger  *zap.Logger
	started time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Worker == nil {
		return nil, fmt.Errorf("worker is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		logger:  logger.Named("api"),
		started: time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	limit := s.cfg.Limiter.Middleware
	s.router.Handle("/conversations", limit(http.HandlerFunc(s.handleIngest))).Methods(http.MethodPost)
	s.router.Handle("/conversations/bulk", limit(http.HandlerFunc(s.handleBulk))).Methods(http.MethodPost)

	s.router.HandleFunc("/insights/{record_id}", s.handleGetInsight).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		s.router.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type conversationIn struct {
	RecordID   string `json:"record_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	Text       string `json:"text"`
}

type bulkIn struct {
	Conversations []conversationIn `json:"conversations"`
}

func (c conversationIn) validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return errors.New("text is required")
	}
	if n := len([]rune(c.Text)); n > maxTextRunes {
		return fmt.Errorf("text too long (%d > %d characters)", n, maxTextRunes)
	}
	return nil
}

// accept enqueues one conversation and, once it is accepted, persists it.
// A full queue leaves nothing behind.
func (s *Server) accept(ctx context.Context, in conversationIn) (string, error) {
	id := in.RecordID
	if id == "" {
		id = uuid.New().String()
	}
	if err := s.cfg.Worker.Submit(id, in.Text); err != nil {
		return id, err
	}
	if err := s.cfg.Store.SaveConversation(ctx, store.Conversation{
		RecordID:   id,
		ExternalID: in.ExternalID,
		ThreadID:   in.ThreadID,
		Text:       in.Text,
	}); err != nil {
		return id, fmt.Errorf("record %s enqueued but not saved: %w", id, err)
	}
	return id, nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in conversationIn
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.accept(r.Context(), in)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		s.logger.Warn("ingestion rejected, queue full", zap.String("record_id", id))
		writeError(w, http.StatusServiceUnavailable, "queue full, retry later")
		return
	case err != nil:
		s.logger.Error("failed to ingest conversation", zap.String("record_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to ingest conversation")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "enqueued": true})
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var in bulkIn
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(in.Conversations) > maxBulkItems {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("maximum %d conversations per bulk request", maxBulkItems))
		return
	}
	for i, c := range in.Conversations {
		if err := c.validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("conversations[%d]: %v", i, err))
			return
		}
	}

	ids := make([]string, 0, len(in.Conversations))
	rejected := 0
	for _, c := range in.Conversations {
		id, err := s.accept(r.Context(), c)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			rejected++
		case err != nil:
			s.logger.Error("failed to ingest conversation", zap.String("record_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to ingest conversations")
			return
		default:
			ids = append(ids, id)
		}
	}
	s.logger.Info("bulk ingested", zap.Int("enqueued", len(ids)), zap.Int("rejected", rejected))

	status := http.StatusAccepted
	if len(ids) == 0 && rejected > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ingested": len(in.Conversations),
		"enqueued": len(ids),
		"rejected": rejected,
		"ids":      ids,
	})
}

func (s *Server) handleGetInsight(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["record_id"]
	in, err := s.cfg.Store.GetInsight(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "insight not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load insight", zap.String("record_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load insight")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

type healthOut struct {
	Status        string         `json:"status"`
	Reasons       []string       `json:"reasons,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	QueueSize     int            `json:"queue_size"`
	WorkerRunning bool           `json:"worker_running"`
	Breaker       breaker.Status `json:"breaker"`
	DBOK          bool           `json:"db_ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.cfg.Worker.Health()
	out := healthOut{
		Status:        h.Status,
		Reasons:       h.Reasons,
		UptimeSeconds: time.Since(s.started).Seconds(),
		QueueSize:     s.cfg.Worker.QueueDepth(),
		WorkerRunning: s.cfg.Worker.IsRunning(),
		Breaker:       s.cfg.Worker.BreakerState(),
		DBOK:          true,
	}
	if s.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ping(ctx); err != nil {
			out.DBOK = false
			out.Status = worker.HealthDegraded
			out.Reasons = append(out.Reasons, "database: "+err.Error())
		}
	}
	if !out.WorkerRunning {
		out.Status = worker.HealthDegraded
		out.Reasons = append(out.Reasons, "worker not running")
	}
	writeJSON(w, http.StatusOK, out)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
