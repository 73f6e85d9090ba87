package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
)

const (
	splitStartSuffix  = " [split start]"
	splitFinishSuffix = " [split finish]"
	textSeparator     = " / "
)

// ErrInvalidRange is returned when a range ends before it starts.
var ErrInvalidRange = errors.New("invalid range")

// HistorySource returns state records inside a range plus the one preceding its start.
type HistorySource interface {
	StatesAround(ctx context.Context, checkID string, start, end time.Time) ([]domain.State, error)
}

// WindowSource returns scheduled maintenance windows overlapping a range.
type WindowSource interface {
	ScheduledBetween(ctx context.Context, checkID string, from, to time.Time) ([]domain.Window, error)
}

// Interval is one continuous period in a single unhealthy condition.
// End is zero while the outage is still open at an unbounded range end.
type Interval struct {
	Condition condition.Condition `json:"condition"`
	Start     time.Time           `json:"start_time"`
	End       time.Time           `json:"end_time,omitempty"`
	Duration  *float64            `json:"duration"`
	Summary   string              `json:"summary"`
	Details   string              `json:"details"`
}

// Open reports whether interval has no known end.
func (iv Interval) Open() bool {
	return iv.End.IsZero()
}

func (iv *Interval) setBounds(start, end time.Time) {
	iv.Start = start
	iv.End = end
	iv.Duration = nil
	if !end.IsZero() {
		secs := end.Sub(start).Seconds()
		iv.Duration = &secs
	}
}

// Downtime is an outage list reconciled against maintenance with per-condition aggregates.
type Downtime struct {
	Intervals    []Interval                       `json:"downtime"`
	TotalSeconds map[condition.Condition]float64  `json:"total_seconds"`
	Percentages  map[condition.Condition]*float64 `json:"percentages"`
}

// Reporter rebuilds outage intervals from history on demand.
type Reporter struct {
	history HistorySource
	windows WindowSource
	logger  *slog.Logger
}

// NewReporter creates outage/downtime reporter.
// Params: history and maintenance window sources, logger.
// Returns: ready reporter.
func NewReporter(history HistorySource, windows WindowSource, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{history: history, windows: windows, logger: logger}
}

// Outage returns unhealthy intervals of a check within [start, end].
// Params: check id and range (zero bounds are open).
// Returns: ordered intervals.
func (r *Reporter) Outage(ctx context.Context, checkID string, start, end time.Time) ([]Interval, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	states, err := r.history.StatesAround(ctx, checkID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", checkID, err)
	}
	return BuildOutages(states, start, end), nil
}

// Downtime returns outages with scheduled maintenance removed, plus totals and percentages.
// Params: check id and range (zero bounds are open; percentages need both).
// Returns: reconciled downtime.
func (r *Reporter) Downtime(ctx context.Context, checkID string, start, end time.Time) (Downtime, error) {
	outages, err := r.Outage(ctx, checkID, start, end)
	if err != nil {
		return Downtime{}, err
	}
	windows, err := r.windows.ScheduledBetween(ctx, checkID, start, end)
	if err != nil {
		return Downtime{}, fmt.Errorf("load maintenance %s: %w", checkID, err)
	}
	conditions := make([]condition.Condition, 0, len(outages))
	for _, o := range outages {
		conditions = append(conditions, o.Condition)
	}
	reconciled := ReconcileMaintenance(outages, windows)
	r.logger.Debug("downtime computed", "check", checkID, "outages", len(outages), "windows", len(windows), "downtime", len(reconciled))
	return Aggregate(reconciled, conditions, start, end), nil
}

// BuildOutages walks ordered history and merges runs of one unhealthy condition.
// Params: ordered states (the first may precede start) and range.
// Returns: intervals clipped to the range.
func BuildOutages(states []domain.State, start, end time.Time) []Interval {
	out := make([]Interval, 0)
	for i, st := range states {
		if !end.IsZero() && st.Timestamp.After(end) {
			break
		}
		if !st.Condition.Unhealthy() {
			continue
		}
		if i > 0 && states[i-1].Condition == st.Condition && len(out) > 0 {
			last := &out[len(out)-1]
			last.Summary = joinText(last.Summary, st.Summary)
			last.Details = joinText(last.Details, st.Details)
			continue
		}

		ivStart := st.Timestamp
		if !start.IsZero() && ivStart.Before(start) {
			ivStart = start
		}
		ivEnd := end
		for _, next := range states[i+1:] {
			if next.Condition != st.Condition {
				ivEnd = next.Timestamp
				break
			}
		}
		if !end.IsZero() && ivEnd.After(end) {
			ivEnd = end
		}
		if !ivEnd.IsZero() && !ivEnd.After(ivStart) {
			continue
		}
		iv := Interval{Condition: st.Condition, Summary: st.Summary, Details: st.Details}
		iv.setBounds(ivStart, ivEnd)
		out = append(out, iv)
	}
	return out
}

// ReconcileMaintenance removes maintenance time from closed outages.
// A window strictly inside an outage splits it; a covering window removes it; a partial overlap clips it.
// Params: outages and scheduled windows.
// Returns: reconciled intervals ordered by start.
func ReconcileMaintenance(outages []Interval, windows []domain.Window) []Interval {
	outs := append([]Interval(nil), outages...)
	ordered := append([]domain.Window(nil), windows...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start.Before(ordered[j].Start) })

	for _, w := range ordered {
		next := make([]Interval, 0, len(outs)+2)
		for _, o := range outs {
			if o.Open() || !o.Start.Before(w.Start) || !o.End.After(w.End) {
				next = append(next, o)
				continue
			}
			before := Interval{Condition: o.Condition, Summary: o.Summary + splitStartSuffix, Details: o.Details}
			before.setBounds(o.Start, w.Start)
			after := Interval{Condition: o.Condition, Summary: o.Summary + splitFinishSuffix, Details: o.Details}
			after.setBounds(w.End, o.End)
			next = append(next, before, after)
		}
		outs = next
		sortIntervals(outs)
	}

	for _, w := range ordered {
		next := make([]Interval, 0, len(outs))
		for _, o := range outs {
			if o.Open() || !w.Start.Before(o.End) || !w.End.After(o.Start) {
				next = append(next, o)
				continue
			}
			switch {
			case !w.Start.After(o.Start) && !w.End.Before(o.End):
				continue
			case !w.Start.After(o.Start):
				o.setBounds(w.End, o.End)
			case !w.End.Before(o.End):
				o.setBounds(o.Start, w.Start)
			}
			next = append(next, o)
		}
		outs = next
	}
	return outs
}

// Aggregate sums interval durations per condition and derives percentages of a bounded range.
// Params: reconciled intervals, conditions seen before reconciliation (reported even at zero), and range.
// Returns: downtime with an ok bucket holding the remainder when the range is bounded.
func Aggregate(intervals []Interval, seen []condition.Condition, start, end time.Time) Downtime {
	bounded := !start.IsZero() && !end.IsZero()
	d := Downtime{
		Intervals:    intervals,
		TotalSeconds: make(map[condition.Condition]float64),
		Percentages:  make(map[condition.Condition]*float64),
	}
	for _, c := range seen {
		d.TotalSeconds[c] = 0
		d.Percentages[c] = nil
	}
	for _, iv := range intervals {
		if _, ok := d.TotalSeconds[iv.Condition]; !ok {
			d.TotalSeconds[iv.Condition] = 0
			d.Percentages[iv.Condition] = nil
		}
		if iv.Duration != nil {
			d.TotalSeconds[iv.Condition] += *iv.Duration
		}
	}
	if !bounded {
		return d
	}

	rangeSecs := end.Sub(start).Seconds()
	var unhealthySecs, unhealthyPct float64
	for c, secs := range d.TotalSeconds {
		pct := 0.0
		if rangeSecs > 0 {
			pct = secs * 100 / rangeSecs
		}
		d.Percentages[c] = floatPtr(pct)
		unhealthySecs += secs
		unhealthyPct += pct
	}
	d.TotalSeconds[condition.OK] = rangeSecs - unhealthySecs
	d.Percentages[condition.OK] = floatPtr(100 - unhealthyPct)
	return d
}

func validateRange(start, end time.Time) error {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("%w: end %s precedes start %s", ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

func sortIntervals(outs []Interval) {
	sort.SliceStable(outs, func(i, j int) bool { return outs[i].Start.Before(outs[j].Start) })
}

func joinText(current, extra string) string {
	switch {
	case extra == "":
		return current
	case current == "":
		return extra
	default:
		return current + textSeparator + extra
	}
}

func floatPtr(v float64) *float64 {
	return &v
}
