package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEmpty is returned by a non-blocking Pop on an empty queue.
	ErrEmpty = errors.New("queue empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// Queue is a durable FIFO of opaque payloads shared by producers and workers.
// Params: raw bytes (JSON events or notifications).
// Returns: backend-specific queue behavior.
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	// Pop removes the oldest payload; with block=false it returns ErrEmpty instead of waiting.
	Pop(ctx context.Context, block bool) ([]byte, error)
	PendingCount(ctx context.Context) (int, error)
	Close() error
}

// MemoryQueue is an unbounded in-process FIFO used in single mode and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
	closed bool
}

// NewMemoryQueue creates empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{signal: make(chan struct{})}
}

// Push appends payload and wakes blocked consumers.
func (q *MemoryQueue) Push(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	item := make([]byte, len(payload))
	copy(item, payload)
	q.items = append(q.items, item)
	q.wakeLocked()
	return nil
}

// Pop removes the oldest payload.
// Params: context bounding a blocking wait and blocking flag.
// Returns: payload, ErrEmpty (non-blocking), ErrClosed, or context error.
func (q *MemoryQueue) Pop(ctx context.Context, block bool) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if !block {
			q.mu.Unlock()
			return nil, ErrEmpty
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// PendingCount returns number of queued payloads.
func (q *MemoryQueue) PendingCount(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close rejects further pushes; queued payloads remain poppable.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.wakeLocked()
	}
	return nil
}

func (q *MemoryQueue) wakeLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}
