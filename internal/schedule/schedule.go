package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultTimeout        = 250 * time.Millisecond
	defaultMaxOccurrences = 1000
)

// ErrOccurrenceCap signals that expansion stopped at the configured occurrence cap.
var ErrOccurrenceCap = errors.New("occurrence cap reached")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Recurrence describes repeated periods: each cron activation opens a period of Duration.
// Params: standard 5-field cron expression (or @descriptor), period length, optional bounds.
// Returns: recurrence definition evaluated in a caller-supplied timezone.
type Recurrence struct {
	Cron     string
	Duration time.Duration
	From     time.Time
	Until    time.Time
}

// Occurrence is one expanded period.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Validate checks recurrence shape without evaluating it.
// Params: none.
// Returns: descriptive error for invalid expression, duration, or bounds.
func (r Recurrence) Validate() error {
	if strings.TrimSpace(r.Cron) == "" {
		return errors.New("recurrence is required")
	}
	if _, err := parser.Parse(r.Cron); err != nil {
		return fmt.Errorf("recurrence %q: %w", r.Cron, err)
	}
	if r.Duration <= 0 {
		return errors.New("duration must be >0")
	}
	if !r.From.IsZero() && !r.Until.IsZero() && !r.Until.After(r.From) {
		return errors.New("until must be after from")
	}
	return nil
}

// Evaluator answers recurrence questions with a hard cap on work per call.
// Params: per-call timeout, maximum expanded occurrences, and logger.
// Returns: capped evaluator safe to call from worker loops.
type Evaluator struct {
	timeout        time.Duration
	maxOccurrences int
	logger         *slog.Logger
}

// NewEvaluator creates evaluator with defaults for non-positive limits.
// Params: timeout, occurrence cap, optional logger.
// Returns: configured evaluator.
func NewEvaluator(timeout time.Duration, maxOccurrences int, logger *slog.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxOccurrences <= 0 {
		maxOccurrences = defaultMaxOccurrences
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{timeout: timeout, maxOccurrences: maxOccurrences, logger: logger}
}

// OccursAt reports whether instant falls inside an occurrence of recurrence.
// Params: recurrence, instant, and timezone the cron fields are read in.
// Returns: true when inside; false on invalid input or when the call exceeds its timeout.
func (e *Evaluator) OccursAt(rec Recurrence, at time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := parser.Parse(rec.Cron)
	if err != nil {
		e.logger.Warn("recurrence parse failed", "cron", rec.Cron, "error", err.Error())
		return false
	}
	if rec.Duration <= 0 {
		return false
	}

	result := make(chan bool, 1)
	go func() {
		result <- occursAt(sched, rec, at.In(loc))
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case ok := <-result:
		return ok
	case <-timer.C:
		e.logger.Warn("recurrence evaluation exceeded timeout, treating as no match", "cron", rec.Cron, "timeout", e.timeout.String())
		return false
	}
}

// occursAt finds the first activation after (at - duration); at is inside when that activation has started.
func occursAt(sched cron.Schedule, rec Recurrence, at time.Time) bool {
	if !rec.Until.IsZero() && !at.Before(rec.Until) {
		return false
	}
	start := sched.Next(at.Add(-rec.Duration))
	if start.IsZero() || start.After(at) {
		return false
	}
	if !rec.From.IsZero() && start.Before(rec.From) {
		return false
	}
	return start.Add(rec.Duration).After(at)
}

// Occurrences expands periods whose start falls in [from, to).
// Params: context, recurrence, range bounds, and timezone.
// Returns: occurrences in start order; ErrOccurrenceCap with the truncated list when capped.
func (e *Evaluator) Occurrences(ctx context.Context, rec Recurrence, from, to time.Time, loc *time.Location) ([]Occurrence, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	sched, _ := parser.Parse(rec.Cron)
	if !rec.From.IsZero() && from.Before(rec.From) {
		from = rec.From
	}
	if !rec.Until.IsZero() && to.After(rec.Until) {
		to = rec.Until
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out := make([]Occurrence, 0)
	// Next is strictly-after, so step back one second to include an activation at from.
	cursor := from.In(loc).Add(-time.Second)
	for {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("recurrence expansion interrupted", "cron", rec.Cron, "error", err.Error())
			return out, err
		}
		next := sched.Next(cursor)
		if next.IsZero() || !next.Before(to) {
			return out, nil
		}
		if len(out) >= e.maxOccurrences {
			e.logger.Warn("recurrence expansion capped", "cron", rec.Cron, "max", e.maxOccurrences)
			return out, ErrOccurrenceCap
		}
		out = append(out, Occurrence{Start: next.UTC(), End: next.Add(rec.Duration).UTC()})
		cursor = next
	}
}
