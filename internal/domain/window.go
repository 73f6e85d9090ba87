package domain

import (
	"time"
)

// WindowKind distinguishes planned from reactive maintenance.
type WindowKind string

const (
	// WindowScheduled is declared by an operator ahead of time.
	WindowScheduled WindowKind = "scheduled"
	// WindowUnscheduled is opened reactively, usually by an acknowledgement.
	WindowUnscheduled WindowKind = "unscheduled"
)

// Window is one maintenance period owned by a check.
// Params: identity, owning check, kind, [start, end) bounds, and summary.
// Returns: suppression window used by filters and reports.
type Window struct {
	ID      string     `json:"id"`
	CheckID string     `json:"check_id"`
	Kind    WindowKind `json:"kind"`
	Start   time.Time  `json:"start_time"`
	End     time.Time  `json:"end_time"`
	Summary string     `json:"summary,omitempty"`
}

// ActiveAt reports whether instant falls inside the window.
// Params: instant to test.
// Returns: true when start <= t < end.
func (w Window) ActiveAt(t time.Time) bool {
	return !w.Start.After(t) && w.End.After(t)
}

// Duration returns window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Validate checks window bounds and identity.
// Params: none.
// Returns: ValidationErrors with field-level messages.
func (w Window) Validate() error {
	var errs ValidationErrors
	if w.CheckID == "" {
		errs.Add("check_id", "is required")
	}
	switch w.Kind {
	case WindowScheduled, WindowUnscheduled:
	default:
		errs.Add("kind", "must be scheduled or unscheduled")
	}
	if w.Start.IsZero() {
		errs.Add("start_time", "is required")
	}
	if !w.End.After(w.Start) {
		errs.Add("end_time", "must be after start_time")
	}
	return errs.Err()
}
