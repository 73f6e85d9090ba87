package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/clock"
	"eventrouter/internal/condition"
	"eventrouter/internal/config"
	"eventrouter/internal/domain"
	"eventrouter/internal/maintenance"
	"eventrouter/internal/metrics"
	"eventrouter/internal/queue"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 200 * time.Millisecond
	maxRetryBackoff      = 5 * time.Second
	newCheckSummary      = "Automatically created for new check"
)

var errUnknownCheck = errors.New("unknown check")

// OutcomeKind classifies the result of processing one queued event.
type OutcomeKind string

const (
	// OutcomeEmpty means a non-blocking pop found nothing.
	OutcomeEmpty OutcomeKind = "empty"
	// OutcomeInvalid means the payload was malformed and discarded.
	OutcomeInvalid OutcomeKind = "invalid_event"
	// OutcomeNoop means a noop marker was consumed.
	OutcomeNoop OutcomeKind = "noop"
	// OutcomeIgnored means a well-formed action referenced no known check.
	OutcomeIgnored OutcomeKind = "ignored"
	// OutcomeBlocked means the check was updated but a filter suppressed notification.
	OutcomeBlocked OutcomeKind = "blocked"
	// OutcomeNotified means a notification was queued.
	OutcomeNotified OutcomeKind = "notified"
)

// Outcome describes what happened to one event.
type Outcome struct {
	Kind         OutcomeKind
	CheckID      string
	Filter       string
	Notification *domain.Notification
}

// Options tunes notification filters and new-check behavior.
type Options struct {
	InitialFailureDelay time.Duration
	RepeatFailureDelay  time.Duration
	AckDuration         time.Duration
	NewCheckMaintenance time.Duration
	NewCheckIgnoreTags  []string
	ExitOnQueueEmpty    bool
}

// OptionsFromConfig maps processor config section to options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		InitialFailureDelay: cfg.Processor.InitialFailureDelay(),
		RepeatFailureDelay:  cfg.Processor.RepeatFailureDelay(),
		AckDuration:         time.Duration(cfg.Processor.AcknowledgementDurationSec) * time.Second,
		NewCheckMaintenance: cfg.Processor.NewCheckMaintenance,
		NewCheckIgnoreTags:  append([]string(nil), cfg.Processor.NewCheckScheduledMaintenanceIgnoreTags...),
		ExitOnQueueEmpty:    cfg.Service.ExitOnQueueEmpty,
	}
}

// Processor pulls events, applies them to check history, and emits notifications.
// Params: inbound event queue, outbound notification queue, check and maintenance stores.
// Returns: single-threaded worker; run several against the same store to scale out.
type Processor struct {
	events        queue.Queue
	notifications queue.Queue
	checks        *checks.Repository
	maintenance   *maintenance.Tracker
	metrics       *metrics.Metrics
	clock         clock.Clock
	logger        *slog.Logger
	opts          Options
	filters       []filter
}

// New creates event processor.
// Params: queues, repositories, metrics (may be nil), clock, logger, and options.
// Returns: ready processor.
func New(events, notifications queue.Queue, repo *checks.Repository, tracker *maintenance.Tracker, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger, opts Options) *Processor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AckDuration <= 0 {
		opts.AckDuration = 4 * time.Hour
	}
	p := &Processor{
		events:        events,
		notifications: notifications,
		checks:        repo,
		maintenance:   tracker,
		metrics:       m,
		clock:         clk,
		logger:        logger,
		opts:          opts,
	}
	p.filters = p.defaultFilters()
	return p
}

// Run processes events until ctx is cancelled, or until the queue drains when ExitOnQueueEmpty is set.
// Params: lifecycle context.
// Returns: nil on shutdown, or queue error that cannot be recovered.
func (p *Processor) Run(ctx context.Context) error {
	for {
		raw, err := p.events.Pop(ctx, !p.opts.ExitOnQueueEmpty)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty):
			p.logger.Info("event queue drained, processor exiting")
			return nil
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			p.logger.Error("event queue pop failed", "error", err.Error())
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		p.processWithRetry(ctx, raw)
	}
}

// processWithRetry re-applies one payload after transient store errors.
func (p *Processor) processWithRetry(ctx context.Context, raw []byte) {
	backoff := defaultRetryBackoff
	for attempt := 1; ; attempt++ {
		_, err := p.Process(ctx, raw)
		if err == nil {
			return
		}
		if attempt >= defaultRetryAttempts || ctx.Err() != nil {
			p.logger.Error("event dropped after retries", "attempts", attempt, "error", err.Error())
			return
		}
		p.logger.Error("event processing failed, retrying", "attempt", attempt, "error", err.Error())
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

// ProcessNext pops and processes one event.
// Params: context and whether to wait for an event.
// Returns: outcome (OutcomeEmpty for a non-blocking pop on empty queue) or transient error.
func (p *Processor) ProcessNext(ctx context.Context, block bool) (Outcome, error) {
	raw, err := p.events.Pop(ctx, block)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return Outcome{Kind: OutcomeEmpty}, nil
		}
		return Outcome{}, err
	}
	return p.Process(ctx, raw)
}

// Process applies one raw event payload.
// Params: JSON event bytes.
// Returns: outcome; errors are transient store or queue failures worth retrying.
func (p *Processor) Process(ctx context.Context, raw []byte) (Outcome, error) {
	event, err := domain.DecodeEvent(raw)
	if err != nil {
		p.count(metrics.EventInvalid)
		p.logger.Warn("invalid event discarded", "error", err.Error())
		return Outcome{Kind: OutcomeInvalid}, nil
	}
	if event.Type == domain.EventTypeNoop {
		return Outcome{Kind: OutcomeNoop}, nil
	}
	p.countEvent(event)

	now := p.clock.Now().UTC()
	checkID, err := p.resolveCheckID(ctx, event)
	if err != nil {
		if errors.Is(err, checks.ErrNotFound) {
			p.logger.Warn("action for unknown check ignored", "ack_id", event.AcknowledgementID, "state", event.State)
			return Outcome{Kind: OutcomeIgnored}, nil
		}
		return Outcome{}, err
	}

	upd, err := p.apply(ctx, checkID, event, now)
	if err != nil {
		if errors.Is(err, errUnknownCheck) {
			p.logger.Warn("action for unknown check ignored", "check", checkID, "state", event.State)
			return Outcome{Kind: OutcomeIgnored, CheckID: checkID}, nil
		}
		return Outcome{}, err
	}
	if upd.created && event.Type == domain.EventTypeService {
		if err := p.scheduleNewCheckMaintenance(ctx, checkID, event, now); err != nil {
			return Outcome{}, err
		}
	}

	if err := p.maintenance.Refresh(ctx, checkID); err != nil {
		return Outcome{}, fmt.Errorf("refresh maintenance %s: %w", checkID, err)
	}

	in := filterInput{event: event, checkID: checkID, record: upd.record, previous: upd.previous, now: now}
	for _, f := range p.filters {
		blocked, err := f.block(ctx, in)
		if err != nil {
			return Outcome{}, fmt.Errorf("filter %s for %s: %w", f.name, checkID, err)
		}
		if blocked {
			if p.metrics != nil {
				p.metrics.Blocked.WithLabelValues(f.name).Inc()
			}
			p.logger.Debug("notification blocked", "check", checkID, "state", event.State, "filter", f.name)
			return Outcome{Kind: OutcomeBlocked, CheckID: checkID, Filter: f.name}, nil
		}
	}

	n, err := p.notify(ctx, checkID, event, upd, now)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeNotified, CheckID: checkID, Notification: &n}, nil
}

type update struct {
	record         checks.Record
	created        bool
	previous       condition.Condition
	previousChange time.Time
	previousText   string
}

// apply writes event effects into the check record under one CAS transaction.
func (p *Processor) apply(ctx context.Context, checkID string, event domain.Event, now time.Time) (update, error) {
	var upd update
	rec, err := p.checks.Apply(ctx, checkID, func(rec *checks.Record, exists bool) error {
		upd = update{created: !exists}
		if !exists {
			if event.Type != domain.EventTypeService {
				return errUnknownCheck
			}
			rec.Check = domain.NewCheck(checkID, now)
		}
		c := &rec.Check
		upd.previous = c.State
		upd.previousChange = c.LastChange
		upd.previousText = c.Summary

		if event.Type == domain.EventTypeAction {
			rec.RecordAction(domain.ActionRecord{Time: now, Action: event.State, Summary: event.Summary}, checks.MaxActions)
			return nil
		}

		cond := event.Condition()
		c.Enabled = true
		c.LastUpdate = now
		c.Summary = event.Summary
		c.Details = event.Details
		c.Perfdata = event.Perfdata
		c.EventCount++
		c.Tags = mergeTags(c.Tags, event.Tags)
		if event.InitialFailureDelay != nil {
			c.InitialFailureDelay = event.InitialFailureDelay
		}
		if event.RepeatFailureDelay != nil {
			c.RepeatFailureDelay = event.RepeatFailureDelay
		}
		if cond != c.State {
			c.State = cond
			c.LastChange = now
			rec.AppendState(domain.State{
				Timestamp: now,
				Condition: cond,
				Summary:   event.Summary,
				Details:   event.Details,
			}, p.checks.MaxStates())
		}
		return nil
	})
	if err != nil {
		return update{}, err
	}
	upd.record = rec
	return upd, nil
}

func (p *Processor) scheduleNewCheckMaintenance(ctx context.Context, checkID string, event domain.Event, now time.Time) error {
	if p.opts.NewCheckMaintenance <= 0 {
		return nil
	}
	for _, tag := range event.Tags {
		if containsString(p.opts.NewCheckIgnoreTags, tag) {
			p.logger.Debug("new check maintenance bypassed", "check", checkID, "tag", tag)
			return nil
		}
	}
	_, err := p.maintenance.AddScheduled(ctx, domain.Window{
		ID:      domain.NewID(),
		CheckID: checkID,
		Kind:    domain.WindowScheduled,
		Start:   now,
		End:     now.Add(p.opts.NewCheckMaintenance),
		Summary: newCheckSummary,
	})
	if err != nil {
		return fmt.Errorf("new check maintenance %s: %w", checkID, err)
	}
	p.logger.Info("new check placed in scheduled maintenance", "check", checkID, "duration", p.opts.NewCheckMaintenance.String())
	return nil
}

// notify builds the notification, queues it for the notifier, then records it on the check.
func (p *Processor) notify(ctx context.Context, checkID string, event domain.Event, upd update, now time.Time) (domain.Notification, error) {
	rec := upd.record
	n := domain.Notification{
		ID:              domain.NewID(),
		EventID:         checkID,
		Type:            domain.NotificationTypeForEvent(event),
		State:           event.State,
		Summary:         event.Summary,
		Details:         event.Details,
		PreviousState:   upd.previous,
		PreviousSummary: upd.previousText,
		Severity:        domain.SeverityForEvent(event, rec.Check.NotifiedSeverity),
		Time:            event.EventTime(now),
		Duration:        event.Duration,
		Count:           rec.Check.EventCount,
		Tags:            append([]string(nil), rec.Check.Tags...),
	}
	if event.Type == domain.EventTypeAction {
		n.Summary = firstNonEmpty(event.Summary, rec.Check.Summary)
	}
	if !upd.previousChange.IsZero() {
		d := int64(now.Sub(upd.previousChange) / time.Second)
		n.StateDuration = &d
	}

	body, err := json.Marshal(n)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("encode notification %s: %w", checkID, err)
	}
	// Push before recording: a failed push must leave the event replayable.
	if err := p.notifications.Push(ctx, body); err != nil {
		return domain.Notification{}, fmt.Errorf("queue notification %s: %w", checkID, err)
	}

	_, err = p.checks.Apply(ctx, checkID, func(rec *checks.Record, exists bool) error {
		if !exists {
			return errUnknownCheck
		}
		rec.RecordNotification(domain.NotificationRecord{Type: n.Type, State: n.State, Severity: n.Severity, Time: now})
		return nil
	})
	if err != nil {
		return domain.Notification{}, fmt.Errorf("record notification %s: %w", checkID, err)
	}
	if p.metrics != nil {
		p.metrics.Notifications.WithLabelValues(string(n.Type)).Inc()
	}
	p.logger.Info("notification queued", "check", checkID, "type", n.Type, "state", n.State, "severity", n.Severity)
	return n, nil
}

func (p *Processor) resolveCheckID(ctx context.Context, event domain.Event) (string, error) {
	if id := event.ID(); id != "" {
		return id, nil
	}
	return p.checks.FindByAckHash(ctx, event.AcknowledgementID)
}

func (p *Processor) countEvent(event domain.Event) {
	p.count(metrics.EventAll)
	switch event.Type {
	case domain.EventTypeService:
		if event.Condition().Healthy() {
			p.count(metrics.EventOK)
		} else {
			p.count(metrics.EventFailure)
		}
	case domain.EventTypeAction:
		p.count(metrics.EventAction)
	}
}

func (p *Processor) count(kind string) {
	if p.metrics != nil {
		p.metrics.Events.WithLabelValues(kind).Inc()
	}
}

func mergeTags(current, extra []string) []string {
	out := append([]string(nil), current...)
	for _, tag := range extra {
		if tag != "" && !containsString(out, tag) {
			out = append(out, tag)
		}
	}
	return out
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
