package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
// Producers should reject or degrade; they must not block on it.
var ErrQueueFull = errors.New("queue full")

// Item is a record waiting for analysis. Immutable once created.
type Item struct {
	RecordID   string
	Text       string
	EnqueuedAt time.Time
}

// Queue is a bounded, volatile FIFO. Many producers may Enqueue concurrently;
// a single consumer drains it with DequeueBatch.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	head     int
	capacity int
}

// New creates a queue holding at most capacity items (minimum 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends an item and returns immediately.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items)-q.head >= q.capacity {
		return ErrQueueFull
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, item)
	return nil
}

// DequeueBatch removes and returns up to maxN items in FIFO order. It never
// waits: an empty queue yields an empty slice.
func (q *Queue) DequeueBatch(maxN int) []Item {
	if maxN <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items) - q.head
	if n == 0 {
		return nil
	}
	if n > maxN {
		n = maxN
	}
	out := make([]Item, n)
	copy(out, q.items[q.head:q.head+n])
	for i := q.head; i < q.head+n; i++ {
		q.items[i] = Item{}
	}
	q.head += n
	q.compactLocked()
	return out
}

// Requeue puts deferred items back at the front, preserving their order.
// Only the consumer calls this, with items it dequeued in the current
// cycle, so depth can exceed capacity by at most one batch.
func (q *Queue) Requeue(items []Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(items) {
		q.head -= len(items)
		copy(q.items[q.head:], items)
		return
	}
	rest := q.items[q.head:]
	merged := make([]Item, 0, len(items)+len(rest))
	merged = append(merged, items...)
	merged = append(merged, rest...)
	q.items = merged
	q.head = 0
}

// Depth returns the number of queued items. Observation only.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// compactLocked reclaims the consumed prefix once it dominates the slice.
func (q *Queue) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = Item{}
		}
		q.items = q.items[:n]
		q.head = 0
	}
}
