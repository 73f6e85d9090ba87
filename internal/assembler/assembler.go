package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/domain"
	"eventrouter/internal/engine"
	"eventrouter/internal/notifyqueue"
	"eventrouter/internal/state"
	"eventrouter/internal/templatefmt"
)

// CheckSource loads check records for rollup breakdowns and cleaning.
type CheckSource interface {
	Get(ctx context.Context, id string) (checks.Record, error)
}

// MaintenanceSource answers whether a check is currently suppressed.
type MaintenanceSource interface {
	InScheduled(ctx context.Context, checkID string) (bool, error)
	InUnscheduled(ctx context.Context, checkID string) (bool, error)
}

// ContactSource resolves routing interest and stores derived route flags.
type ContactSource interface {
	Interested(ctx context.Context, check domain.Check) ([]domain.Contact, error)
	SetRouteAlerting(ctx context.Context, contactID, mediumID string, alerting bool) error
}

// Options configures the assembler.
type Options struct {
	RollupRecovery bool
	Now            func() time.Time
	Logger         *slog.Logger
	NotifyLog      *slog.Logger
}

// Assembler joins notifications with routed media into transport-ready alerts.
// Params: store for blocks and alerting sets, check/maintenance/contact sources, delivery producer.
// Returns: interval- and rollup-aware alert builder.
type Assembler struct {
	store       state.Store
	checks      CheckSource
	maintenance MaintenanceSource
	contacts    ContactSource
	producer    notifyqueue.Producer

	rollupRecovery bool
	now            func() time.Time
	logger         *slog.Logger
	notifyLog      *slog.Logger
}

// New creates alert assembler.
// Params: shared store, sources, delivery producer, and options.
// Returns: ready assembler.
func New(store state.Store, checkSource CheckSource, maint MaintenanceSource, contacts ContactSource, producer notifyqueue.Producer, opts Options) *Assembler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NotifyLog == nil {
		opts.NotifyLog = opts.Logger
	}
	return &Assembler{
		store:          store,
		checks:         checkSource,
		maintenance:    maint,
		contacts:       contacts,
		producer:       producer,
		rollupRecovery: opts.RollupRecovery,
		now:            opts.Now,
		logger:         opts.Logger,
		notifyLog:      opts.NotifyLog,
	}
}

// Process assembles and delivers alerts for one routed notification.
// Params: notification and engine messages (empty means no contact matched).
// Returns: delivered alerts.
func (a *Assembler) Process(ctx context.Context, n domain.Notification, messages []engine.Message) ([]domain.Alert, error) {
	if len(messages) == 0 {
		a.NoContacts(n)
		return nil, nil
	}
	alerts, err := a.Assemble(ctx, n, messages)
	if err != nil {
		return nil, err
	}
	if err := a.Deliver(ctx, alerts); err != nil {
		return alerts, err
	}
	return alerts, nil
}

// NoContacts writes the notification log line for a notification nobody receives.
func (a *Assembler) NoContacts(n domain.Notification) {
	a.notifyLog.Info(templatefmt.NotifyLogLine(n.EventID, string(n.Type), "", "", ""))
}

// Assemble builds one alert per message unless an interval or rollup block drops it.
// Params: notification and routed messages.
// Returns: alerts ready for delivery; alerting sets and route flags are updated as a side effect.
func (a *Assembler) Assemble(ctx context.Context, n domain.Notification, messages []engine.Message) ([]domain.Alert, error) {
	now := a.now().UTC()
	out := make([]domain.Alert, 0, len(messages))
	for _, m := range messages {
		alert, ok, err := a.assembleOne(ctx, n, m, now)
		if err != nil {
			return out, fmt.Errorf("assemble %s for %s/%s: %w", n.EventID, m.ContactID, m.Medium.ID, err)
		}
		if ok {
			out = append(out, alert)
		}
	}
	return out, nil
}

func (a *Assembler) assembleOne(ctx context.Context, n domain.Notification, m engine.Message, now time.Time) (domain.Alert, bool, error) {
	medium := m.Medium
	alert := domain.Alert{
		Notification:    n,
		AlertID:         domain.NewID(),
		ContactID:       m.ContactID,
		ContactName:     m.ContactName,
		MediumID:        medium.ID,
		MediumType:      medium.Type,
		Address:         medium.Address,
		Interval:        medium.Interval,
		RollupThreshold: medium.RollupThreshold,
		CreatedAt:       now,
	}
	if n.Type == domain.NotificationTest {
		return alert, true, nil
	}

	set, err := a.trackAlerting(ctx, medium.ID, n, now)
	if err != nil {
		return domain.Alert{}, false, err
	}
	if medium.RollupThreshold > 0 {
		if set, err = a.cleanAlerting(ctx, m.ContactID, medium.ID, set); err != nil {
			return domain.Alert{}, false, err
		}
	}
	if err := a.contacts.SetRouteAlerting(ctx, m.ContactID, medium.ID, len(set.Checks) > 0); err != nil {
		return domain.Alert{}, false, fmt.Errorf("set route alerting: %w", err)
	}

	threshold := medium.RollupThreshold
	switch {
	case threshold > 0 && len(set.Checks) >= threshold:
		if err := a.setRolledUp(ctx, medium.ID, true); err != nil {
			return domain.Alert{}, false, err
		}
		blocked, err := a.blocked(ctx, rollupBlockKey(medium.ID))
		if err != nil || blocked {
			if blocked {
				a.logger.Debug("rollup alert blocked by interval", "medium", medium.ID, "check", n.EventID)
			}
			return domain.Alert{}, false, err
		}
		alert.Rollup = domain.RollupProblem
		return a.withRollup(ctx, alert, set, now)

	case threshold > 0 && set.RolledUp:
		if err := a.setRolledUp(ctx, medium.ID, false); err != nil {
			return domain.Alert{}, false, err
		}
		if err := a.clearBlock(ctx, rollupBlockKey(medium.ID)); err != nil {
			return domain.Alert{}, false, err
		}
		if a.rollupRecovery {
			alert.Rollup = domain.RollupRecovery
			return a.withRollup(ctx, alert, set, now)
		}
	}

	if !n.ClearsAlerts() {
		blocked, err := a.blocked(ctx, blockKey(medium.ID, n.EventID, n.State))
		if err != nil {
			return domain.Alert{}, false, err
		}
		if blocked {
			a.logger.Debug("alert blocked by interval", "medium", medium.ID, "check", n.EventID, "state", n.State)
			return domain.Alert{}, false, nil
		}
	}
	return alert, true, nil
}

// withRollup fills per-check breakdown for a rollup alert.
func (a *Assembler) withRollup(ctx context.Context, alert domain.Alert, set alertingSet, now time.Time) (domain.Alert, bool, error) {
	entries := make(map[string]domain.RollupEntry, len(set.Checks))
	states := make(map[string]string, len(set.Checks))
	for checkID := range set.Checks {
		rec, err := a.checks.Get(ctx, checkID)
		if err != nil {
			if errors.Is(err, checks.ErrNotFound) {
				continue
			}
			return domain.Alert{}, false, err
		}
		entry := domain.RollupEntry{State: string(rec.Check.State)}
		if !rec.Check.LastChange.IsZero() {
			d := int64(now.Sub(rec.Check.LastChange) / time.Second)
			entry.Duration = &d
		}
		entries[checkID] = entry
		states[checkID] = entry.State
	}
	alert.RollupAlerts = entries
	alert.RollupSummary = templatefmt.RollupSummary(states)
	return alert, true, nil
}

// Deliver enqueues alerts onto delivery queues, then records interval blocks and the notification log.
// Params: assembled alerts.
// Returns: first enqueue or block error; later alerts are still attempted.
func (a *Assembler) Deliver(ctx context.Context, alerts []domain.Alert) error {
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, alert := range alerts {
		job := notifyqueue.NewJob(alert, a.now())
		if err := a.producer.Enqueue(ctx, job); err != nil {
			a.logger.Error("alert enqueue failed", "check", alert.EventID, "medium", alert.MediumType, "contact", alert.ContactID, "error", err.Error())
			markErr(fmt.Errorf("enqueue alert %s: %w", alert.AlertID, err))
			continue
		}
		a.notifyLog.Info(templatefmt.NotifyLogLine(alert.EventID, string(alert.Type), alert.ContactID, alert.MediumType, alert.Address))
		a.logger.Info("alert enqueued",
			"check", alert.EventID,
			"medium", alert.MediumType,
			"address", alert.Address,
			"type", alert.AlertType(),
		)
		markErr(a.recordBlocks(ctx, alert))
	}
	return firstErr
}

// recordBlocks refreshes or clears interval blocks after delivery.
func (a *Assembler) recordBlocks(ctx context.Context, alert domain.Alert) error {
	interval := time.Duration(alert.Interval) * time.Second
	switch {
	case alert.Type == domain.NotificationTest:
		return nil
	case alert.Rollup == domain.RollupProblem:
		return a.setBlock(ctx, rollupBlockKey(alert.MediumID), interval)
	case alert.Rollup == domain.RollupRecovery:
		return nil
	case alert.ClearsAlerts():
		return a.clearCheckBlocks(ctx, alert.MediumID, alert.EventID)
	default:
		return a.setBlock(ctx, blockKey(alert.MediumID, alert.EventID, alert.State), interval)
	}
}
