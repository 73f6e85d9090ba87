package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/domain"
	"eventrouter/internal/schedule"
	"eventrouter/internal/state"

	"github.com/google/uuid"
)

// recurringNamespace derives stable window ids for expanded recurring maintenance.
var recurringNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("eventrouter/maintenance/recurring"))

// Tracker owns scheduled and unscheduled maintenance windows and their current-window caches.
// Params: check repository, store for expiring cache keys, recurrence evaluator, clock, and logger.
// Returns: maintenance operations safe for concurrent workers.
type Tracker struct {
	checks    *checks.Repository
	store     state.Store
	evaluator *schedule.Evaluator
	now       func() time.Time
	logger    *slog.Logger
}

// NewTracker creates maintenance tracker.
// Params: repository, store, evaluator (nil uses defaults), clock (nil uses time.Now), and logger.
// Returns: ready tracker.
func NewTracker(repo *checks.Repository, store state.Store, evaluator *schedule.Evaluator, now func() time.Time, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = schedule.NewEvaluator(0, 0, logger)
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{checks: repo, store: store, evaluator: evaluator, now: now, logger: logger}
}

// AddScheduled inserts (or replaces) a scheduled window and revalidates the cache.
// Params: window with check id, bounds, and summary (id assigned when empty).
// Returns: stored window or validation error.
func (t *Tracker) AddScheduled(ctx context.Context, w domain.Window) (domain.Window, error) {
	w.Kind = domain.WindowScheduled
	if w.ID == "" {
		w.ID = domain.NewID()
	}
	if err := w.Validate(); err != nil {
		return domain.Window{}, err
	}
	if _, err := t.checks.Apply(ctx, w.CheckID, func(rec *checks.Record, exists bool) error {
		if !exists {
			rec.Check = domain.NewCheck(w.CheckID, t.now())
		}
		rec.Scheduled.Put(w)
		return nil
	}); err != nil {
		return domain.Window{}, fmt.Errorf("add scheduled maintenance %s: %w", w.CheckID, err)
	}
	if _, _, err := t.Revalidate(ctx, w.CheckID); err != nil {
		return domain.Window{}, err
	}
	return w, nil
}

// EndScheduled ends a scheduled window at instant.
// Params: check id, window id, and end instant.
// Returns: store errors only; unknown windows and past windows are no-ops.
func (t *Tracker) EndScheduled(ctx context.Context, checkID, windowID string, at time.Time) error {
	at = at.UTC()
	_, err := t.checks.Apply(ctx, checkID, func(rec *checks.Record, exists bool) error {
		if !exists {
			return state.ErrNoChange
		}
		w, ok := rec.Scheduled.Get(windowID)
		if !ok {
			t.logger.Warn("scheduled maintenance not found", "check", checkID, "window", windowID)
			return state.ErrNoChange
		}
		switch {
		case !w.Start.Before(at):
			rec.Scheduled.Remove(windowID)
		case w.End.After(at):
			w.End = at
			rec.Scheduled.Put(w)
		default:
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("end scheduled maintenance %s: %w", checkID, err)
	}
	_, _, err = t.Revalidate(ctx, checkID)
	return err
}

// RemoveScheduled deletes a scheduled window regardless of its bounds.
func (t *Tracker) RemoveScheduled(ctx context.Context, checkID, windowID string) error {
	_, err := t.checks.Apply(ctx, checkID, func(rec *checks.Record, exists bool) error {
		if !exists || !rec.Scheduled.Remove(windowID) {
			t.logger.Warn("scheduled maintenance not found", "check", checkID, "window", windowID)
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove scheduled maintenance %s: %w", checkID, err)
	}
	_, _, err = t.Revalidate(ctx, checkID)
	return err
}

// Revalidate recomputes the current scheduled window and rewrites its cache.
// Params: check id.
// Returns: current window and whether one is active.
func (t *Tracker) Revalidate(ctx context.Context, checkID string) (domain.Window, bool, error) {
	return t.revalidate(ctx, domain.WindowScheduled, checkID)
}

// RevalidateUnscheduled recomputes the current unscheduled window and rewrites its cache.
func (t *Tracker) RevalidateUnscheduled(ctx context.Context, checkID string) (domain.Window, bool, error) {
	return t.revalidate(ctx, domain.WindowUnscheduled, checkID)
}

// Refresh revalidates the scheduled cache only when no window is cached.
// Params: check id.
// Returns: store error.
func (t *Tracker) Refresh(ctx context.Context, checkID string) error {
	if _, ok, err := t.CurrentScheduled(ctx, checkID); err != nil || ok {
		return err
	}
	_, _, err := t.Revalidate(ctx, checkID)
	return err
}

// CurrentScheduled returns the cached current scheduled window.
func (t *Tracker) CurrentScheduled(ctx context.Context, checkID string) (domain.Window, bool, error) {
	return t.current(ctx, domain.WindowScheduled, checkID)
}

// InScheduled reports whether check is in scheduled maintenance now.
func (t *Tracker) InScheduled(ctx context.Context, checkID string) (bool, error) {
	_, ok, err := t.CurrentScheduled(ctx, checkID)
	return ok, err
}

// ScheduledBetween returns scheduled windows overlapping [from, to] (zero bounds are open).
func (t *Tracker) ScheduledBetween(ctx context.Context, checkID string, from, to time.Time) ([]domain.Window, error) {
	return t.windowsBetween(ctx, domain.WindowScheduled, checkID, from, to)
}

// UnscheduledBetween returns unscheduled windows overlapping [from, to] (zero bounds are open).
func (t *Tracker) UnscheduledBetween(ctx context.Context, checkID string, from, to time.Time) ([]domain.Window, error) {
	return t.windowsBetween(ctx, domain.WindowUnscheduled, checkID, from, to)
}

// SetUnscheduled opens an unscheduled window, ending any open one at its start.
// Params: check id, start, duration, and summary.
// Returns: created window.
func (t *Tracker) SetUnscheduled(ctx context.Context, checkID string, start time.Time, duration time.Duration, summary string) (domain.Window, error) {
	start = start.UTC()
	w := domain.Window{
		ID:      domain.NewID(),
		CheckID: checkID,
		Kind:    domain.WindowUnscheduled,
		Start:   start,
		End:     start.Add(duration),
		Summary: summary,
	}
	if err := w.Validate(); err != nil {
		return domain.Window{}, err
	}
	_, err := t.checks.Apply(ctx, checkID, func(rec *checks.Record, exists bool) error {
		if !exists {
			rec.Check = domain.NewCheck(checkID, start)
		}
		for _, open := range rec.Unscheduled.Overlapping(start) {
			if open.Start.Before(start) {
				open.End = start
				rec.Unscheduled.Put(open)
			} else {
				rec.Unscheduled.Remove(open.ID)
			}
		}
		rec.Unscheduled.Put(w)
		return nil
	})
	if err != nil {
		return domain.Window{}, fmt.Errorf("set unscheduled maintenance %s: %w", checkID, err)
	}
	if _, _, err := t.revalidate(ctx, domain.WindowUnscheduled, checkID); err != nil {
		return domain.Window{}, err
	}
	return w, nil
}

// ClearUnscheduled ends the open unscheduled window at endTime.
// Params: check id and end instant.
// Returns: store errors only; no open window is a logged no-op.
func (t *Tracker) ClearUnscheduled(ctx context.Context, checkID string, endTime time.Time) error {
	endTime = endTime.UTC()
	current, ok, err := t.CurrentUnscheduled(ctx, checkID)
	if err != nil {
		return err
	}
	if !ok {
		t.logger.Warn("no unscheduled maintenance to clear", "check", checkID)
		return nil
	}
	_, err = t.checks.Apply(ctx, checkID, func(rec *checks.Record, exists bool) error {
		w, found := rec.Unscheduled.Get(current.ID)
		if !exists || !found {
			t.logger.Warn("unscheduled maintenance vanished before clear", "check", checkID, "window", current.ID)
			return state.ErrNoChange
		}
		if !w.Start.Before(endTime) {
			rec.Unscheduled.Remove(w.ID)
			return nil
		}
		if !w.End.After(endTime) {
			return state.ErrNoChange
		}
		w.End = endTime
		rec.Unscheduled.Put(w)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear unscheduled maintenance %s: %w", checkID, err)
	}
	_, _, err = t.revalidate(ctx, domain.WindowUnscheduled, checkID)
	return err
}

// CurrentUnscheduled returns the cached open unscheduled window.
func (t *Tracker) CurrentUnscheduled(ctx context.Context, checkID string) (domain.Window, bool, error) {
	return t.current(ctx, domain.WindowUnscheduled, checkID)
}

// InUnscheduled reports whether check is in unscheduled maintenance now.
func (t *Tracker) InUnscheduled(ctx context.Context, checkID string) (bool, error) {
	_, ok, err := t.CurrentUnscheduled(ctx, checkID)
	return ok, err
}

// ScheduleRecurring expands a recurrence into ordinary scheduled windows.
// Params: check id, recurrence (Until required), summary, and timezone for cron fields.
// Returns: created windows; expansion stops at the evaluator cap.
func (t *Tracker) ScheduleRecurring(ctx context.Context, checkID string, rec schedule.Recurrence, summary string, loc *time.Location) ([]domain.Window, error) {
	if rec.Until.IsZero() {
		return nil, errors.New("recurring maintenance requires an until bound")
	}
	from := t.now().UTC().Add(-rec.Duration)
	occurrences, err := t.evaluator.Occurrences(ctx, rec, from, rec.Until, loc)
	if err != nil && !errors.Is(err, schedule.ErrOccurrenceCap) {
		return nil, fmt.Errorf("expand recurring maintenance %s: %w", checkID, err)
	}
	if errors.Is(err, schedule.ErrOccurrenceCap) {
		t.logger.Warn("recurring maintenance truncated at occurrence cap", "check", checkID, "cron", rec.Cron, "count", len(occurrences))
	}

	windows := make([]domain.Window, 0, len(occurrences))
	for _, occ := range occurrences {
		w, err := t.AddScheduled(ctx, domain.Window{
			ID:      recurringWindowID(checkID, rec.Cron, occ.Start),
			CheckID: checkID,
			Start:   occ.Start,
			End:     occ.End,
			Summary: summary,
		})
		if err != nil {
			return windows, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// HandleExpiry reacts to an expired current-window cache key by revalidating its check.
// Params: expired key and marker reason.
// Returns: store error; unrelated keys are ignored.
func (t *Tracker) HandleExpiry(ctx context.Context, key, reason string) error {
	kind, checkID, ok := parseCurrentWindowKey(key)
	if !ok {
		return nil
	}
	t.logger.Debug("maintenance cache expired", "check", checkID, "kind", kind, "reason", reason)
	_, _, err := t.revalidate(ctx, kind, checkID)
	if errors.Is(err, checks.ErrNotFound) {
		return nil
	}
	return err
}

func (t *Tracker) revalidate(ctx context.Context, kind domain.WindowKind, checkID string) (domain.Window, bool, error) {
	key := checks.CurrentWindowKey(kind, checkID)
	rec, err := t.checks.Get(ctx, checkID)
	if err != nil {
		if errors.Is(err, checks.ErrNotFound) {
			_ = t.store.DeleteExpiring(ctx, key)
		}
		return domain.Window{}, false, err
	}
	now := t.now().UTC()
	current, ok := windowsOf(rec, kind).Current(now)
	if !ok {
		if err := t.store.DeleteExpiring(ctx, key); err != nil && !errors.Is(err, state.ErrNotFound) {
			return domain.Window{}, false, err
		}
		return domain.Window{}, false, nil
	}
	if err := t.store.SetExpiring(ctx, key, []byte(current.ID), current.End.Sub(now)); err != nil {
		return domain.Window{}, false, err
	}
	return current, true, nil
}

func (t *Tracker) current(ctx context.Context, kind domain.WindowKind, checkID string) (domain.Window, bool, error) {
	raw, err := t.store.GetExpiring(ctx, checks.CurrentWindowKey(kind, checkID))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return domain.Window{}, false, nil
		}
		return domain.Window{}, false, err
	}
	rec, err := t.checks.Get(ctx, checkID)
	if err != nil {
		if errors.Is(err, checks.ErrNotFound) {
			return domain.Window{}, false, nil
		}
		return domain.Window{}, false, err
	}
	w, ok := windowsOf(rec, kind).Get(string(raw))
	if !ok || !w.ActiveAt(t.now()) {
		return domain.Window{}, false, nil
	}
	return w, true, nil
}

func (t *Tracker) windowsBetween(ctx context.Context, kind domain.WindowKind, checkID string, from, to time.Time) ([]domain.Window, error) {
	rec, err := t.checks.Get(ctx, checkID)
	if err != nil {
		if errors.Is(err, checks.ErrNotFound) {
			return []domain.Window{}, nil
		}
		return nil, err
	}
	return windowsOf(rec, kind).Between(from, to), nil
}

func windowsOf(rec checks.Record, kind domain.WindowKind) checks.WindowSet {
	if kind == domain.WindowUnscheduled {
		return rec.Unscheduled
	}
	return rec.Scheduled
}

func recurringWindowID(checkID, cron string, start time.Time) string {
	name := checkID + "|" + cron + "|" + start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(recurringNamespace, []byte(name)).String()
}

// parseCurrentWindowKey splits "maint/current/<kind>/<check>".
func parseCurrentWindowKey(key string) (domain.WindowKind, string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "maint" || parts[1] != "current" {
		return "", "", false
	}
	kind := domain.WindowKind(parts[2])
	if kind != domain.WindowScheduled && kind != domain.WindowUnscheduled {
		return "", "", false
	}
	return kind, state.UnescapeSegment(parts[3]), true
}
