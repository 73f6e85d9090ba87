package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventrouter/internal/assembler"
	"eventrouter/internal/checks"
	"eventrouter/internal/domain"
	"eventrouter/internal/engine"
	"eventrouter/internal/metrics"
	"eventrouter/internal/queue"
)

const (
	notifierRetryAttempts = 5
	notifierRetryBackoff  = 200 * time.Millisecond
	notifierMaxBackoff    = 5 * time.Second
)

// ContactResolver finds contacts interested in one check.
type ContactResolver interface {
	Interested(ctx context.Context, check domain.Check) ([]domain.Contact, error)
}

// Notifier turns queued notifications into delivery-queue alerts.
// Params: notification queue, check repository, contact resolver, rule engine, assembler.
// Returns: single-threaded worker; several may share one queue.
type Notifier struct {
	notifications queue.Queue
	checks        *checks.Repository
	contacts      ContactResolver
	engine        *engine.Engine
	assembler     *assembler.Assembler
	metrics       *metrics.Metrics
	logger        *slog.Logger
	exitOnEmpty   bool
}

// NewNotifier creates notification worker.
func NewNotifier(notifications queue.Queue, repo *checks.Repository, contacts ContactResolver, eng *engine.Engine, asm *assembler.Assembler, m *metrics.Metrics, logger *slog.Logger, exitOnEmpty bool) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		notifications: notifications,
		checks:        repo,
		contacts:      contacts,
		engine:        eng,
		assembler:     asm,
		metrics:       m,
		logger:        logger.With("component", "notifier"),
		exitOnEmpty:   exitOnEmpty,
	}
}

// Run routes notifications until ctx is cancelled, or until the queue drains when exitOnEmpty is set.
// Params: lifecycle context.
// Returns: nil on shutdown.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		raw, err := n.notifications.Pop(ctx, !n.exitOnEmpty)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty):
			n.logger.Info("notification queue drained, notifier exiting")
			return nil
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			n.logger.Error("notification queue pop failed", "error", err.Error())
			if !waitCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		n.processWithRetry(ctx, raw)
	}
}

func (n *Notifier) processWithRetry(ctx context.Context, raw []byte) {
	backoff := notifierRetryBackoff
	for attempt := 1; ; attempt++ {
		_, err := n.Process(ctx, raw)
		if err == nil {
			return
		}
		if attempt >= notifierRetryAttempts || ctx.Err() != nil {
			n.logger.Error("notification dropped after retries", "attempts", attempt, "error", err.Error())
			return
		}
		n.logger.Error("notification routing failed, retrying", "attempt", attempt, "error", err.Error())
		if !waitCtx(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, notifierMaxBackoff)
	}
}

// Process routes one raw notification payload.
// Params: JSON notification bytes.
// Returns: alerts handed to delivery; errors are transient and worth retrying.
func (n *Notifier) Process(ctx context.Context, raw []byte) ([]domain.Alert, error) {
	var note domain.Notification
	if err := json.Unmarshal(raw, &note); err != nil {
		n.logger.Warn("invalid notification discarded", "error", err.Error())
		return nil, nil
	}
	rec, err := n.checks.Get(ctx, note.EventID)
	if errors.Is(err, checks.ErrNotFound) {
		n.logger.Warn("notification for unknown check discarded", "check", note.EventID, "type", note.Type)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load check %s: %w", note.EventID, err)
	}

	contacts, err := n.contacts.Interested(ctx, rec.Check)
	if err != nil {
		return nil, fmt.Errorf("resolve contacts %s: %w", note.EventID, err)
	}
	messages, err := n.engine.MessagesFor(ctx, note, contacts)
	if err != nil {
		return nil, fmt.Errorf("match rules %s: %w", note.EventID, err)
	}
	n.logger.Debug("notification routed", "check", note.EventID, "type", note.Type, "contacts", len(contacts), "messages", len(messages))

	alerts, err := n.assembler.Process(ctx, note, messages)
	for _, alert := range alerts {
		n.countAlert(alert)
	}
	if err != nil {
		return alerts, err
	}
	return alerts, nil
}

func (n *Notifier) countAlert(alert domain.Alert) {
	if n.metrics == nil {
		return
	}
	rollup := string(alert.Rollup)
	if rollup == "" {
		rollup = "none"
	}
	n.metrics.Alerts.WithLabelValues(alert.MediumType, rollup).Inc()
}

func waitCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
