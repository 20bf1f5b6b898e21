// Package dedup serves repeat content from previously stored analysis
// results. Matching is exact on whitespace-normalized text; near-duplicates
// are deliberately never matched.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const defaultLRUSize = 4096

// Entry maps a content fingerprint to the stored result it was analyzed into.
type Entry struct {
	Fingerprint string
	ResultRef   string
	CreatedAt   time.Time
}

// Store persists cache entries. PutCacheEntry must be insert-if-absent and
// report whether this call inserted.
type Store interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*Entry, error)
	PutCacheEntry(ctx context.Context, e Entry) (bool, error)
}

// Normalize trims and collapses whitespace runs. Nothing else is changed.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint is the hex SHA-256 of the normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Cache is the deduplicator: an LRU view over a Store.
type Cache struct {
	store Store
	view  *lru.Cache
	now   func() time.Time
}

// New creates a cache over store with an in-memory view of lruSize entries.
// A nil store keeps everything in memory.
func New(store Store, lruSize int) (*Cache, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	if lruSize <= 0 {
		lruSize = defaultLRUSize
	}
	view, err := lru.New(lruSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru view: %w", err)
	}
	return &Cache{store: store, view: view, now: time.Now}, nil
}

// Lookup returns the result reference stored for text, if any.
func (c *Cache) Lookup(ctx context.Context, text string) (string, bool, error) {
	fp := Fingerprint(text)
	if v, ok := c.view.Get(fp); ok {
		return v.(string), true, nil
	}
	e, err := c.store.GetCacheEntry(ctx, fp)
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if e == nil {
		return "", false, nil
	}
	c.view.ContainsOrAdd(fp, e.ResultRef)
	return e.ResultRef, true, nil
}

// Record stores text -> ref. The first writer for a fingerprint wins; later
// calls are no-ops. Returns whether this call created the entry.
func (c *Cache) Record(ctx context.Context, text, ref string) (bool, error) {
	fp := Fingerprint(text)
	inserted, err := c.store.PutCacheEntry(ctx, Entry{
		Fingerprint: fp,
		ResultRef:   ref,
		CreatedAt:   c.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to write cache entry: %w", err)
	}
	if inserted {
		c.view.ContainsOrAdd(fp, ref)
	}
	return inserted, nil
}

// Len is the number of fingerprints held in the in-memory view.
func (c *Cache) Len() int {
	return c.view.Len()
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) GetCacheEntry(_ context.Context, fingerprint string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) PutCacheEntry(_ context.Context, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Fingerprint]; ok {
		return false, nil
	}
	m.entries[e.Fingerprint] = e
	return true, nil
}
