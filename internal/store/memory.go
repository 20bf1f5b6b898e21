package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Napageneral/insights/internal/analysis"
)

// Memory keeps insights and conversations in process memory. It serves runs
// without a database and tests.
type Memory struct {
	mu            sync.RWMutex
	insights      map[string]Insight
	conversations map[string]Conversation
}

func NewMemory() *Memory {
	return &Memory{
		insights:      map[string]Insight{},
		conversations: map[string]Conversation{},
	}
}

func (m *Memory) SaveConversation(_ context.Context, c Conversation) error {
	if c.RecordID == "" {
		return fmt.Errorf("record id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.conversations[c.RecordID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) StoreResult(_ context.Context, r *analysis.Result) error {
	if r == nil {
		return fmt.Errorf("nil result")
	}
	in := Insight{Result: *r}
	in.Topics = append([]string(nil), r.Topics...)
	m.mu.Lock()
	m.insights[r.RecordID] = in
	m.mu.Unlock()
	return nil
}

func (m *Memory) StoreCached(_ context.Context, recordID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.insights[ref]
	if !ok {
		return fmt.Errorf("cached insight %s: %w", ref, ErrNotFound)
	}
	if _, exists := m.insights[recordID]; exists {
		return nil
	}
	in := src
	in.RecordID = recordID
	in.TokensUsed = 0
	in.EstimatedCost = 0
	in.Latency = 0
	in.CachedFrom = ref
	in.CreatedAt = time.Now()
	m.insights[recordID] = in
	return nil
}

func (m *Memory) GetInsight(_ context.Context, recordID string) (*Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.insights[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return &in, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.insights)
}
