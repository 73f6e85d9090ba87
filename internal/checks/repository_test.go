package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/state"
)

type staticRefs bool

func (s staticRefs) ReferencesCheck(context.Context, string) (bool, error) {
	return bool(s), nil
}

func newTestRepository(maxStates int) *Repository {
	return NewRepository(state.NewMemoryStore(time.Now), maxStates, nil)
}

func appendCondition(t *testing.T, repo *Repository, id string, c condition.Condition, at time.Time) domain.State {
	t.Helper()
	var stored domain.State
	_, err := repo.Apply(context.Background(), id, func(rec *Record, exists bool) error {
		if !exists {
			rec.Check = domain.NewCheck(id, at)
		}
		rec.Check.State = c
		rec.Check.LastChange = at
		stored = rec.AppendState(domain.State{Timestamp: at, Condition: c}, repo.MaxStates())
		return nil
	})
	if err != nil {
		t.Fatalf("append %s: %v", c, err)
	}
	return stored
}

func TestAppendStateKeepsTimestampsStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(0)
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	first := appendCondition(t, repo, "web-01:http", condition.Critical, at)
	second := appendCondition(t, repo, "web-01:http", condition.OK, at)
	third := appendCondition(t, repo, "web-01:http", condition.Warning, at.Add(-time.Minute))

	if !second.Timestamp.After(first.Timestamp) || !third.Timestamp.After(second.Timestamp) {
		t.Fatalf("timestamps must increase: %v %v %v", first.Timestamp, second.Timestamp, third.Timestamp)
	}
	if first.Count != 1 || second.Count != 2 || third.Count != 3 {
		t.Fatalf("unexpected counts %d %d %d", first.Count, second.Count, third.Count)
	}
}

func TestHistoryIsCapped(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(3)
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	conds := []condition.Condition{condition.OK, condition.Critical, condition.OK, condition.Warning, condition.OK}
	for i, c := range conds {
		appendCondition(t, repo, "db:replication", c, at.Add(time.Duration(i)*time.Minute))
	}
	history, err := repo.History(context.Background(), "db:replication", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].Condition != condition.OK || history[1].Condition != condition.Warning {
		t.Fatalf("unexpected capped history %+v", history)
	}
	if history[2].Count != 5 {
		t.Fatalf("count must keep increasing across the cap, got %d", history[2].Count)
	}
}

func TestStatesAroundIncludesPrecedingRecord(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(0)
	t0 := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	appendCondition(t, repo, "api:latency", condition.Critical, t0)
	appendCondition(t, repo, "api:latency", condition.OK, t0.Add(10*time.Minute))
	appendCondition(t, repo, "api:latency", condition.Warning, t0.Add(20*time.Minute))
	appendCondition(t, repo, "api:latency", condition.OK, t0.Add(40*time.Minute))

	states, err := repo.StatesAround(context.Background(), "api:latency", t0.Add(15*time.Minute), t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("states around: %v", err)
	}
	if len(states) != 2 || states[0].Condition != condition.OK || states[1].Condition != condition.Warning {
		t.Fatalf("unexpected states %+v", states)
	}
}

func TestConcurrentAppendsOnDifferentChecks(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(0)
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for _, id := range []string{"a:ping", "b:ping"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, err := repo.Apply(context.Background(), id, func(rec *Record, exists bool) error {
					if !exists {
						rec.Check = domain.NewCheck(id, at)
					}
					rec.AppendState(domain.State{Timestamp: at.Add(time.Duration(i) * time.Second), Condition: condition.Critical}, 0)
					return nil
				})
				if err != nil {
					errs <- fmt.Errorf("%s/%d: %w", id, i, err)
				}
			}(id, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("apply: %v", err)
	}

	for _, id := range []string{"a:ping", "b:ping"} {
		rec, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if len(rec.States) != 10 {
			t.Fatalf("%s: expected 10 states, got %d", id, len(rec.States))
		}
		for i := 1; i < len(rec.States); i++ {
			if !rec.States[i].Timestamp.After(rec.States[i-1].Timestamp) {
				t.Fatalf("%s: history out of order at %d", id, i)
			}
		}
	}
}

func TestIndexesFollowMutations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestRepository(0)
	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)

	if _, created, err := repo.Ensure(ctx, "web-01:http", now); err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	if _, created, err := repo.Ensure(ctx, "web-01:http", now); err != nil || created {
		t.Fatalf("second ensure must not create: created=%v err=%v", created, err)
	}
	if _, err := repo.Apply(ctx, "web-01:http", func(rec *Record, _ bool) error {
		rec.Check.Tags = []string{"web", "prod"}
		return nil
	}); err != nil {
		t.Fatalf("apply tags: %v", err)
	}

	id, err := repo.FindByAckHash(ctx, domain.AckHash("web-01:http"))
	if err != nil || id != "web-01:http" {
		t.Fatalf("ack hash lookup: %q %v", id, err)
	}
	ids, err := repo.Filter().AnyTag("prod").Entity("web-01").Enabled().IDs(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("filter: %v %v", ids, err)
	}

	if err := repo.SetEnabled(ctx, "web-01:http", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	enabled, _ := repo.EnabledIDs(ctx)
	if len(enabled) != 0 {
		t.Fatalf("disabled check still indexed: %v", enabled)
	}
	if err := repo.SetEnabled(ctx, "missing:check", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteCascadesAndRespectsReferences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestRepository(0)
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	appendCondition(t, repo, "web-01:http", condition.Critical, at)

	repo.SetReferenceChecker(staticRefs(true))
	if err := repo.Delete(ctx, "web-01:http"); !errors.Is(err, ErrReferenced) {
		t.Fatalf("expected ErrReferenced, got %v", err)
	}

	repo.SetReferenceChecker(staticRefs(false))
	if err := repo.Delete(ctx, "web-01:http"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, "web-01:http"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := repo.FindByAckHash(ctx, domain.AckHash("web-01:http")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ack hash index must be cleaned, got %v", err)
	}
	ids, _ := repo.ListIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestNotifiedSeverityTracksCurrentFailure(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	var rec Record
	rec.Check = domain.NewCheck("web-01:http", at)

	rec.AppendState(domain.State{Timestamp: at, Condition: condition.Warning}, 0)
	rec.RecordNotification(domain.NotificationRecord{Type: domain.NotificationProblem, State: "warning", Time: at})
	rec.AppendState(domain.State{Timestamp: at.Add(time.Minute), Condition: condition.Critical}, 0)
	rec.RecordNotification(domain.NotificationRecord{Type: domain.NotificationProblem, State: "critical", Time: at.Add(time.Minute)})
	rec.AppendState(domain.State{Timestamp: at.Add(2 * time.Minute), Condition: condition.Warning}, 0)

	if rec.Check.NotifiedSeverity != condition.Critical {
		t.Fatalf("expected critical, got %q", rec.Check.NotifiedSeverity)
	}
	if got := ScanMaxNotifiedSeverity(rec.States); got != rec.Check.NotifiedSeverity {
		t.Fatalf("scan %q disagrees with field %q", got, rec.Check.NotifiedSeverity)
	}

	rec.AppendState(domain.State{Timestamp: at.Add(3 * time.Minute), Condition: condition.OK}, 0)
	rec.RecordNotification(domain.NotificationRecord{Type: domain.NotificationRecovery, State: "ok", Time: at.Add(3 * time.Minute)})
	if rec.Check.NotifiedSeverity != "" {
		t.Fatalf("recovery must clear notified severity, got %q", rec.Check.NotifiedSeverity)
	}
	if got := ScanMaxNotifiedSeverity(rec.States); got != "" {
		t.Fatalf("scan must stop at notified recovery, got %q", got)
	}
	if rec.Check.LastProblemNotification == nil || rec.Check.LastProblemNotification.State != "critical" {
		t.Fatalf("unexpected last problem %+v", rec.Check.LastProblemNotification)
	}
}

func TestWindowSetOverlapAndCurrent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	var ws WindowSet
	ws.Put(domain.Window{ID: "past", Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)})
	ws.Put(domain.Window{ID: "short", Start: now.Add(-time.Minute), End: now.Add(10 * time.Minute)})
	ws.Put(domain.Window{ID: "long", Start: now.Add(-time.Hour), End: now.Add(time.Hour)})
	ws.Put(domain.Window{ID: "future", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})
	ws.Put(domain.Window{ID: "ends-now", Start: now.Add(-time.Hour), End: now})

	overlapping := ws.Overlapping(now)
	if len(overlapping) != 2 || overlapping[0].ID != "long" || overlapping[1].ID != "short" {
		t.Fatalf("unexpected overlap %+v", overlapping)
	}
	current, ok := ws.Current(now)
	if !ok || current.ID != "long" {
		t.Fatalf("expected long window current, got %+v", current)
	}
	if between := ws.Between(now.Add(90*time.Minute), time.Time{}); len(between) != 1 || between[0].ID != "future" {
		t.Fatalf("unexpected between %+v", between)
	}
	if !ws.Remove("long") || ws.Remove("long") {
		t.Fatalf("remove must report presence")
	}
	if current, _ := ws.Current(now); current.ID != "short" {
		t.Fatalf("expected short after removal, got %q", current.ID)
	}
}

func TestApplyTrimsHistoryToSizeBudget(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(time.Now)
	repo := NewRepository(store, 0, nil)
	repo.SetMaxRecordBytes(8 << 10)
	ctx := context.Background()
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	summary := strings.Repeat("s", 200)

	var last domain.State
	for i := 0; i < 300; i++ {
		c := condition.Critical
		if i%2 == 0 {
			c = condition.Warning
		}
		_, err := repo.Apply(ctx, "web-01:http", func(rec *Record, exists bool) error {
			if !exists {
				rec.Check = domain.NewCheck("web-01:http", at)
			}
			last = rec.AppendState(domain.State{Timestamp: at.Add(time.Duration(i) * time.Second), Condition: c, Summary: summary}, repo.MaxStates())
			return nil
		})
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	raw, _, err := store.Get(ctx, recordKey("web-01:http"))
	if err != nil {
		t.Fatalf("raw record: %v", err)
	}
	if len(raw) > 8<<10 {
		t.Fatalf("stored record exceeds budget: %d bytes", len(raw))
	}
	rec, err := repo.Get(ctx, "web-01:http")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	newest, ok := rec.LastState()
	if !ok || !newest.Timestamp.Equal(last.Timestamp) || len(rec.States) >= 300 {
		t.Fatalf("expected newest states kept and oldest dropped, got %d states newest=%+v", len(rec.States), newest)
	}
}

func TestDefaultHistoryCapFitsNATSPayload(t *testing.T) {
	t.Parallel()

	const natsMaxPayload = 1 << 20
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	rec := Record{Check: domain.NewCheck("web-01:http", at)}
	detail := strings.Repeat("d", 300)
	for i := 0; i < defaultMaxStates; i++ {
		rec.AppendState(domain.State{Timestamp: at.Add(time.Duration(i) * time.Second), Condition: condition.Critical, Summary: "connection refused", Details: detail}, defaultMaxStates)
	}
	if _, err := rec.FitSize(DefaultMaxRecordBytes); err != nil {
		t.Fatalf("fit: %v", err)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(body) > DefaultMaxRecordBytes || len(body) >= natsMaxPayload {
		t.Fatalf("record of %d bytes does not fit payload limit", len(body))
	}
}

func TestApplyRejectsRecordTooLargeWithoutHistory(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(0)
	repo.SetMaxRecordBytes(256)
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	_, err := repo.Apply(context.Background(), "web-01:http", func(rec *Record, exists bool) error {
		rec.Check = domain.NewCheck("web-01:http", at)
		rec.Check.Summary = strings.Repeat("x", 512)
		return nil
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
