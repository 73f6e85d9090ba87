package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/clock"
	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/maintenance"
	"eventrouter/internal/metrics"
	"eventrouter/internal/queue"
	"eventrouter/internal/schedule"
	"eventrouter/internal/state"

	dto "github.com/prometheus/client_model/go"
)

type harness struct {
	clk           *clock.Manual
	events        *queue.MemoryQueue
	notifications *queue.MemoryQueue
	repo          *checks.Repository
	tracker       *maintenance.Tracker
	metrics       *metrics.Metrics
	proc          *Processor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		clk:           clock.NewManual(time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)),
		events:        queue.NewMemoryQueue(),
		notifications: queue.NewMemoryQueue(),
		metrics:       metrics.New(),
	}
	store := state.NewMemoryStore(h.clk.Now)
	h.repo = checks.NewRepository(store, 100, nil)
	h.tracker = maintenance.NewTracker(h.repo, store, schedule.NewEvaluator(time.Second, 50, nil), h.clk.Now, nil)
	h.proc = New(h.events, h.notifications, h.repo, h.tracker, h.metrics, h.clk, nil, opts)
	return h
}

func immediateOptions() Options {
	return Options{RepeatFailureDelay: time.Minute}
}

func (h *harness) service(t *testing.T, st string, extra ...func(*domain.Event)) Outcome {
	t.Helper()
	e := domain.Event{Type: domain.EventTypeService, Entity: "web-01", Check: "http", State: st, Summary: st + " summary"}
	for _, fn := range extra {
		fn(&e)
	}
	return h.send(t, e)
}

func (h *harness) send(t *testing.T, e domain.Event) Outcome {
	t.Helper()
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return h.sendRaw(t, raw)
}

func (h *harness) sendRaw(t *testing.T, raw []byte) Outcome {
	t.Helper()
	ctx := context.Background()
	if err := h.events.Push(ctx, raw); err != nil {
		t.Fatalf("push event: %v", err)
	}
	out, err := h.proc.ProcessNext(ctx, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return out
}

func (h *harness) popNotification(t *testing.T) domain.Notification {
	t.Helper()
	raw, err := h.notifications.Pop(context.Background(), false)
	if err != nil {
		t.Fatalf("expected queued notification: %v", err)
	}
	var n domain.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	return n
}

func expectKind(t *testing.T, out Outcome, kind OutcomeKind, filter string) {
	t.Helper()
	if out.Kind != kind || out.Filter != filter {
		t.Fatalf("expected %s/%q, got %s/%q", kind, filter, out.Kind, out.Filter)
	}
}

func eventCount(m *metrics.Metrics, kind string) float64 {
	metric := &dto.Metric{}
	if err := m.Events.WithLabelValues(kind).Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

func TestInvalidEventsAreDiscardedAndCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	for _, raw := range []string{`{not json`, `{"type":"service","entity":"a","check":"b","state":"sideways"}`} {
		expectKind(t, h.sendRaw(t, []byte(raw)), OutcomeInvalid, "")
	}
	if got := eventCount(h.metrics, metrics.EventInvalid); got != 2 {
		t.Fatalf("expected 2 invalid events, got %v", got)
	}
	if got := eventCount(h.metrics, metrics.EventAll); got != 0 {
		t.Fatalf("invalid events must not count as processed, got %v", got)
	}
	if out, err := h.proc.ProcessNext(context.Background(), false); err != nil || out.Kind != OutcomeEmpty {
		t.Fatalf("expected empty outcome, got %+v err=%v", out, err)
	}
}

func TestNewCheckScheduledMaintenance(t *testing.T) {
	t.Parallel()

	opts := immediateOptions()
	opts.NewCheckMaintenance = 24 * time.Hour
	opts.NewCheckIgnoreTags = []string{"bypass_ncsm"}
	h := newHarness(t, opts)

	expectKind(t, h.service(t, "critical"), OutcomeBlocked, FilterScheduledMaintenance)
	in, err := h.tracker.InScheduled(context.Background(), "web-01:http")
	if err != nil || !in {
		t.Fatalf("new check must be in scheduled maintenance, in=%v err=%v", in, err)
	}

	bypass := h.send(t, domain.Event{Type: domain.EventTypeService, Entity: "web-02", Check: "http", State: "critical", Tags: []string{"bypass_ncsm"}})
	expectKind(t, bypass, OutcomeNotified, "")
}

func TestFilterChainLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())

	expectKind(t, h.service(t, "ok"), OutcomeBlocked, FilterOk)

	out := h.service(t, "warning")
	expectKind(t, out, OutcomeNotified, "")
	n := h.popNotification(t)
	if n.Type != domain.NotificationProblem || n.Severity != condition.Warning || n.PreviousState != condition.OK || n.EventID != "web-01:http" {
		t.Fatalf("unexpected problem notification %+v", n)
	}

	h.clk.Advance(10 * time.Second)
	expectKind(t, h.service(t, "warning"), OutcomeBlocked, FilterDelays)

	h.clk.Advance(10 * time.Second)
	expectKind(t, h.service(t, "critical"), OutcomeNotified, "")
	if n := h.popNotification(t); n.Severity != condition.Critical {
		t.Fatalf("escalation must notify at critical, got %+v", n)
	}

	h.clk.Advance(10 * time.Second)
	expectKind(t, h.service(t, "warning"), OutcomeBlocked, FilterDelays)

	h.clk.Advance(2 * time.Minute)
	expectKind(t, h.service(t, "warning"), OutcomeNotified, "")
	if n := h.popNotification(t); n.Severity != condition.Critical {
		t.Fatalf("severity must stay at worst notified level, got %+v", n)
	}

	expectKind(t, h.service(t, "ok"), OutcomeNotified, "")
	rec := h.popNotification(t)
	if rec.Type != domain.NotificationRecovery || rec.Severity != condition.Critical || rec.StateDuration == nil {
		t.Fatalf("unexpected recovery %+v", rec)
	}
	expectKind(t, h.service(t, "ok"), OutcomeBlocked, FilterOk)

	record, err := h.repo.Get(context.Background(), "web-01:http")
	if err != nil {
		t.Fatalf("get check: %v", err)
	}
	if record.Check.NotifiedSeverity != "" {
		t.Fatalf("recovery must reset notified severity, got %q", record.Check.NotifiedSeverity)
	}
}

func TestInitialFailureDelay(t *testing.T) {
	t.Parallel()

	opts := immediateOptions()
	opts.InitialFailureDelay = 30 * time.Second
	h := newHarness(t, opts)

	expectKind(t, h.service(t, "critical"), OutcomeBlocked, FilterDelays)
	h.clk.Advance(10 * time.Second)
	expectKind(t, h.service(t, "critical"), OutcomeBlocked, FilterDelays)
	h.clk.Advance(25 * time.Second)
	expectKind(t, h.service(t, "critical"), OutcomeNotified, "")

	override := int64(0)
	other := h.send(t, domain.Event{Type: domain.EventTypeService, Entity: "db-01", Check: "disk", State: "critical", InitialFailureDelay: &override})
	expectKind(t, other, OutcomeNotified, "")
}

func TestAcknowledgementOpensUnscheduledMaintenance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	ctx := context.Background()
	expectKind(t, h.service(t, "critical"), OutcomeNotified, "")
	h.popNotification(t)

	ack := domain.Event{
		Type:              domain.EventTypeAction,
		State:             domain.ActionAcknowledgement,
		AcknowledgementID: domain.AckHash("web-01:http"),
		Summary:           "looking into it",
		Duration:          600,
	}
	expectKind(t, h.send(t, ack), OutcomeNotified, "")
	n := h.popNotification(t)
	if n.Type != domain.NotificationAcknowledgement || n.Severity != condition.Critical || n.Duration != 600 {
		t.Fatalf("unexpected acknowledgement notification %+v", n)
	}
	if in, _ := h.tracker.InUnscheduled(ctx, "web-01:http"); !in {
		t.Fatalf("ack must open unscheduled maintenance")
	}

	h.clk.Advance(2 * time.Minute)
	expectKind(t, h.service(t, "critical"), OutcomeBlocked, FilterUnscheduledMaintenance)

	expectKind(t, h.service(t, "ok"), OutcomeNotified, "")
	if in, _ := h.tracker.InUnscheduled(ctx, "web-01:http"); in {
		t.Fatalf("recovery must end unscheduled maintenance")
	}
}

func TestAcknowledgementOfHealthyCheckIsBlocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	h.service(t, "ok")
	ack := domain.Event{Type: domain.EventTypeAction, State: domain.ActionAcknowledgement, Entity: "web-01", Check: "http"}
	expectKind(t, h.send(t, ack), OutcomeBlocked, FilterAcknowledgement)

	unknown := domain.Event{Type: domain.EventTypeAction, State: domain.ActionAcknowledgement, AcknowledgementID: "deadbeef"}
	expectKind(t, h.send(t, unknown), OutcomeIgnored, "")
}

func TestTestNotificationsPassFilters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	h.service(t, "ok")
	test := domain.Event{Type: domain.EventTypeAction, State: domain.ActionTestNotifications, Entity: "web-01", Check: "http", Summary: "testing"}
	expectKind(t, h.send(t, test), OutcomeNotified, "")
	n := h.popNotification(t)
	if n.Type != domain.NotificationTest || n.Severity != condition.Critical {
		t.Fatalf("unexpected test notification %+v", n)
	}
}

func TestReplayDoesNotDuplicateHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	for i := 0; i < 3; i++ {
		h.service(t, "critical")
		h.clk.Advance(time.Second)
	}
	states, err := h.repo.History(context.Background(), "web-01:http", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(states) != 1 || states[0].Condition != condition.Critical || !states[0].Notified {
		t.Fatalf("expected one notified critical state, got %+v", states)
	}
}

func TestHistoryIsStrictlyOrderedAcrossChecks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	for i := 0; i < 6; i++ {
		st := "critical"
		if i%2 == 1 {
			st = "ok"
		}
		for _, entity := range []string{"a", "b"} {
			h.send(t, domain.Event{Type: domain.EventTypeService, Entity: entity, Check: "ping", State: st})
		}
	}
	for _, id := range []string{"a:ping", "b:ping"} {
		states, err := h.repo.History(context.Background(), id, time.Time{}, time.Time{})
		if err != nil {
			t.Fatalf("history %s: %v", id, err)
		}
		if len(states) != 6 {
			t.Fatalf("expected 6 states for %s, got %d", id, len(states))
		}
		for i := 1; i < len(states); i++ {
			if !states[i].Timestamp.After(states[i-1].Timestamp) {
				t.Fatalf("history of %s not strictly ordered at %d", id, i)
			}
		}
	}
}

func TestRunExitsWhenQueueDrains(t *testing.T) {
	t.Parallel()

	opts := immediateOptions()
	opts.ExitOnQueueEmpty = true
	h := newHarness(t, opts)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		raw := []byte(fmt.Sprintf(`{"type":"service","entity":"host-%d","check":"ping","state":"critical"}`, i))
		if err := h.events.Push(ctx, raw); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	_ = h.events.Push(ctx, []byte(`{"type":"noop"}`))

	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not exit on empty queue")
	}
	if n, _ := h.notifications.PendingCount(ctx); n != 3 {
		t.Fatalf("expected 3 notifications, got %d", n)
	}
}

func TestScheduledWindowDeclaredAheadSuppressesOnceStarted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	ctx := context.Background()
	expectKind(t, h.service(t, "ok"), OutcomeBlocked, FilterOk)

	start := h.clk.Now().Add(10 * time.Minute)
	if _, err := h.tracker.AddScheduled(ctx, domain.Window{ID: "upgrade", CheckID: "web-01:http", Start: start, End: start.Add(50 * time.Minute), Summary: "upgrade"}); err != nil {
		t.Fatalf("add window: %v", err)
	}
	if in, err := h.tracker.InScheduled(ctx, "web-01:http"); err != nil || in {
		t.Fatalf("future window must not be current yet, in=%v err=%v", in, err)
	}

	h.clk.Advance(15 * time.Minute)
	expectKind(t, h.service(t, "critical"), OutcomeBlocked, FilterScheduledMaintenance)
	w, ok, err := h.tracker.CurrentScheduled(ctx, "web-01:http")
	if err != nil || !ok || w.ID != "upgrade" {
		t.Fatalf("expected declared window to be current, got %+v ok=%v err=%v", w, ok, err)
	}

	h.clk.Advance(time.Hour)
	expectKind(t, h.service(t, "critical"), OutcomeNotified, "")
	if n := h.popNotification(t); n.Type != domain.NotificationProblem {
		t.Fatalf("expected problem after window ended, got %+v", n)
	}
}

type flakyQueue struct {
	queue.Queue
	failures int
}

func (q *flakyQueue) Push(ctx context.Context, payload []byte) error {
	if q.failures > 0 {
		q.failures--
		return fmt.Errorf("transient push failure")
	}
	return q.Queue.Push(ctx, payload)
}

func TestFailedNotificationPushIsReplayable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, immediateOptions())
	flaky := &flakyQueue{Queue: h.notifications, failures: 1}
	proc := New(h.events, flaky, h.repo, h.tracker, h.metrics, h.clk, nil, immediateOptions())
	raw := []byte(`{"type":"service","entity":"web-01","check":"http","state":"critical","summary":"down"}`)
	ctx := context.Background()

	if _, err := proc.Process(ctx, raw); err == nil {
		t.Fatalf("expected push failure to surface")
	}
	rec, err := h.repo.Get(ctx, "web-01:http")
	if err != nil {
		t.Fatalf("get check: %v", err)
	}
	if rec.Check.LastProblemNotification != nil {
		t.Fatalf("failed push must not be recorded as notified: %+v", rec.Check.LastProblemNotification)
	}

	out, err := proc.Process(ctx, raw)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	expectKind(t, out, OutcomeNotified, "")
	if n := h.popNotification(t); n.Type != domain.NotificationProblem || n.Severity != condition.Critical {
		t.Fatalf("expected critical problem after replay, got %+v", n)
	}
	if pending, _ := h.notifications.PendingCount(ctx); pending != 0 {
		t.Fatalf("expected exactly one queued notification, %d left", pending)
	}
}
