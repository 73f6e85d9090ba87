package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eventrouter/internal/domain"
	"eventrouter/internal/permanent"
)

// Job is one outbound alert in the per-medium delivery queue.
// Params: medium type used as queue subject suffix and the fully resolved alert.
// Returns: queue unit consumed by transport gateways.
type Job struct {
	ID         string       `json:"id"`
	MediumType string       `json:"medium_type"`
	Alert      domain.Alert `json:"alert"`
	CreatedAt  time.Time    `json:"created_at"`
}

// DLQReason identifies reason why a job was moved to the dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for delivery failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// NewJob wraps alert into a queue job with deterministic id.
func NewJob(alert domain.Alert, now time.Time) Job {
	return Job{
		ID:         BuildJobID(alert),
		MediumType: alert.MediumType,
		Alert:      alert,
		CreatedAt:  now.UTC(),
	}
}

// BuildJobID creates deterministic id for one delivery task.
// Params: resolved alert.
// Returns: stable SHA1-based id string used for JetStream de-duplication.
func BuildJobID(alert domain.Alert) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s|%d|%s",
		alert.ContactID,
		alert.MediumID,
		alert.EventID,
		alert.AlertType(),
		alert.State,
		alert.Summary,
		alert.Time.UnixNano(),
		alert.ID,
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues delivery jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Handler processes one delivery job; permanent errors are never retried.
type Handler func(ctx context.Context, job Job) error

// MarkPermanent wraps error as permanent processing failure.
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether error is marked as non-retryable.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}

// Worker consumes queued jobs.
type Worker interface {
	Close() error
}

// MemoryQueue is the in-process delivery queue used in single mode.
// Params: buffered channel drained by one worker goroutine.
// Returns: producer and worker in one value.
type MemoryQueue struct {
	jobs    chan Job
	handler Handler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	pending   sync.WaitGroup
}

// NewMemoryQueue starts in-process delivery worker.
// Params: buffer size, logger, and handler.
// Returns: running queue.
func NewMemoryQueue(size int, logger *slog.Logger, handler Handler) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{
		jobs:    make(chan Job, size),
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue pushes job or waits for buffer space until ctx is done.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("enqueue %s: queue closed", job.ID)
	}
	q.pending.Add(1)
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// Drain waits until every enqueued job was handled.
func (q *MemoryQueue) Drain() {
	q.pending.Wait()
}

// Close stops accepting jobs, finishes buffered ones, and stops the worker.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
		<-q.done
	})
	return nil
}

func (q *MemoryQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		if q.handler != nil {
			if err := q.handler(context.Background(), job); err != nil {
				reason := DLQReasonMaxDeliverExceeded
				if IsPermanent(err) {
					reason = DLQReasonPermanentError
				}
				q.logger.Error("delivery failed, job dropped", "job_id", job.ID, "medium", job.MediumType, "reason", reason, "error", err.Error())
			}
		}
		q.pending.Done()
	}
}
