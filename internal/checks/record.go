package checks

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/state"
)

// Record is the unit of atomic update for one check: status, history, actions, and both window sets.
type Record struct {
	Check       domain.Check          `json:"check"`
	States      []domain.State        `json:"states,omitempty"`
	Actions     []domain.ActionRecord `json:"actions,omitempty"`
	Scheduled   WindowSet             `json:"scheduled"`
	Unscheduled WindowSet             `json:"unscheduled"`
}

// AppendState adds one history record keeping timestamps strictly increasing.
// Params: new state and history cap (<=0 keeps everything).
// Returns: the state as stored (timestamp may be bumped, count assigned).
func (r *Record) AppendState(st domain.State, maxStates int) domain.State {
	st.Timestamp = st.Timestamp.UTC()
	if last, ok := r.LastState(); ok {
		if !st.Timestamp.After(last.Timestamp) {
			st.Timestamp = last.Timestamp.Add(time.Nanosecond)
		}
		st.Count = last.Count + 1
	} else if st.Count == 0 {
		st.Count = 1
	}
	r.States = append(r.States, st)
	if maxStates > 0 && len(r.States) > maxStates {
		r.States = append([]domain.State(nil), r.States[len(r.States)-maxStates:]...)
	}
	return st
}

// FitSize drops the oldest history and action records until the encoded record fits maxBytes.
// The newest state is always kept.
// Params: encoded size budget (<=0 disables the check).
// Returns: number of records dropped, or ErrTooLarge when nothing more can be dropped.
func (r *Record) FitSize(maxBytes int) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	excess := len(body) - maxBytes
	if excess <= 0 {
		return 0, nil
	}

	dropped := 0
	states := 0
	for excess > 0 && states < len(r.States)-1 {
		excess -= encodedLen(r.States[states]) + 1
		states++
	}
	if states > 0 {
		r.States = append([]domain.State(nil), r.States[states:]...)
		dropped += states
	}
	actions := 0
	for excess > 0 && actions < len(r.Actions) {
		excess -= encodedLen(r.Actions[actions]) + 1
		actions++
	}
	if actions > 0 {
		r.Actions = append([]domain.ActionRecord(nil), r.Actions[actions:]...)
		dropped += actions
	}

	body, err = json.Marshal(r)
	if err != nil {
		return dropped, fmt.Errorf("encode record: %w", err)
	}
	if len(body) > maxBytes {
		return dropped, fmt.Errorf("%w: %s is %d bytes, budget %d", ErrTooLarge, r.Check.ID, len(body), maxBytes)
	}
	return dropped, nil
}

func encodedLen(v any) int {
	body, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(body)
}

// LastState returns the newest history record.
func (r Record) LastState() (domain.State, bool) {
	if len(r.States) == 0 {
		return domain.State{}, false
	}
	return r.States[len(r.States)-1], true
}

// PreviousState returns the history record before the newest one.
func (r Record) PreviousState() (domain.State, bool) {
	if len(r.States) < 2 {
		return domain.State{}, false
	}
	return r.States[len(r.States)-2], true
}

// StatesBetween returns history records with from <= timestamp <= to; zero bounds are open.
func (r Record) StatesBetween(from, to time.Time) []domain.State {
	out := make([]domain.State, 0)
	for _, st := range r.States {
		if !from.IsZero() && st.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && st.Timestamp.After(to) {
			break
		}
		out = append(out, st)
	}
	return out
}

// StatesAround returns records inside [start, end] plus the one immediately preceding start.
// Params: range bounds (zero means open).
// Returns: ordered records; the first may predate start.
func (r Record) StatesAround(start, end time.Time) []domain.State {
	if start.IsZero() {
		return r.StatesBetween(start, end)
	}
	i := sort.Search(len(r.States), func(i int) bool {
		return !r.States[i].Timestamp.Before(start)
	})
	if i > 0 {
		i--
	}
	out := make([]domain.State, 0)
	for _, st := range r.States[i:] {
		if !end.IsZero() && st.Timestamp.After(end) {
			break
		}
		out = append(out, st)
	}
	return out
}

// RecordNotification remembers a generated notification and marks the current state notified.
// Params: notification record.
// Returns: none.
func (r *Record) RecordNotification(n domain.NotificationRecord) {
	n.Time = n.Time.UTC()
	r.Check.LastNotification = &n
	switch n.Type {
	case domain.NotificationProblem:
		problem := n
		r.Check.LastProblemNotification = &problem
		if worst, ok := condition.MostUnhealthy(r.Check.NotifiedSeverity, condition.Condition(n.State)); ok && worst.Unhealthy() {
			r.Check.NotifiedSeverity = worst
		}
	case domain.NotificationRecovery:
		r.Check.NotifiedSeverity = ""
	}
	if len(r.States) > 0 {
		last := &r.States[len(r.States)-1]
		last.Notified = true
		last.NotificationCount++
	}
}

// RecordAction stores one processed action event.
func (r *Record) RecordAction(a domain.ActionRecord, maxActions int) {
	r.Actions = append(r.Actions, a)
	if maxActions > 0 && len(r.Actions) > maxActions {
		r.Actions = append([]domain.ActionRecord(nil), r.Actions[len(r.Actions)-maxActions:]...)
	}
}

// ScanMaxNotifiedSeverity walks history back to the last notified ok record and returns the worst notified condition.
// Params: ordered history.
// Returns: worst notified unhealthy condition or "" when none.
func ScanMaxNotifiedSeverity(states []domain.State) condition.Condition {
	var notified []condition.Condition
	for i := len(states) - 1; i >= 0; i-- {
		st := states[i]
		if !st.Notified {
			continue
		}
		if st.Condition.Healthy() {
			break
		}
		notified = append(notified, st.Condition)
	}
	worst, ok := condition.MostUnhealthy(notified...)
	if !ok {
		return ""
	}
	return worst
}

// WindowSet keeps maintenance windows with start- and end-ordered indexes.
type WindowSet struct {
	Windows map[string]domain.Window `json:"windows,omitempty"`
	ByStart state.ScoredSet          `json:"by_start,omitempty"`
	ByEnd   state.ScoredSet          `json:"by_end,omitempty"`
}

// Put inserts or replaces one window in both orderings.
func (ws *WindowSet) Put(w domain.Window) {
	if ws.Windows == nil {
		ws.Windows = make(map[string]domain.Window)
	}
	w.Start = w.Start.UTC()
	w.End = w.End.UTC()
	ws.Windows[w.ID] = w
	ws.ByStart = ws.ByStart.Add(w.ID, w.Start.UnixNano())
	ws.ByEnd = ws.ByEnd.Add(w.ID, w.End.UnixNano())
}

// Remove deletes one window.
// Returns: false when id is unknown.
func (ws *WindowSet) Remove(id string) bool {
	if _, ok := ws.Windows[id]; !ok {
		return false
	}
	delete(ws.Windows, id)
	ws.ByStart = ws.ByStart.Remove(id)
	ws.ByEnd = ws.ByEnd.Remove(id)
	return true
}

// Get returns one window.
func (ws WindowSet) Get(id string) (domain.Window, bool) {
	w, ok := ws.Windows[id]
	return w, ok
}

// Overlapping intersects "starts <= at" with "ends > at".
func (ws WindowSet) Overlapping(at time.Time) []domain.Window {
	ns := at.UnixNano()
	ids := ws.ByStart.RangeByScore(math.MinInt64, ns).Intersect(ws.ByEnd.RangeByScore(ns+1, math.MaxInt64))
	return ws.lookup(ids)
}

// Current returns the overlapping window with the latest end time.
func (ws WindowSet) Current(at time.Time) (domain.Window, bool) {
	var (
		best  domain.Window
		found bool
	)
	for _, w := range ws.Overlapping(at) {
		if !found || w.End.After(best.End) {
			best = w
			found = true
		}
	}
	return best, found
}

// Between returns windows overlapping [from, to]; zero bounds are open.
func (ws WindowSet) Between(from, to time.Time) []domain.Window {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	if !to.IsZero() {
		hi = to.UnixNano()
	}
	ids := ws.ByStart.RangeByScore(math.MinInt64, hi).Intersect(ws.ByEnd.RangeByScore(lo, math.MaxInt64))
	return ws.lookup(ids)
}

// All returns every window ordered by start.
func (ws WindowSet) All() []domain.Window {
	ids := make([]string, 0, len(ws.ByStart))
	for _, m := range ws.ByStart {
		ids = append(ids, m.ID)
	}
	out := make([]domain.Window, 0, len(ids))
	for _, id := range ids {
		if w, ok := ws.Windows[id]; ok {
			out = append(out, w)
		}
	}
	return out
}

func (ws WindowSet) lookup(ids state.IDSet) []domain.Window {
	out := make([]domain.Window, 0, len(ids))
	for _, id := range ids {
		if w, ok := ws.Windows[id]; ok {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
