package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eventrouter/internal/config"
	"eventrouter/internal/domain"
	"eventrouter/test/testutil"

	"github.com/nats-io/nats.go"
)

func newTestQueueConfig(natsURL string, maxDeliver int) config.NATSDeliveryQueueConfig {
	cfg := config.DeriveDeliveryQueueConfig(config.Config{
		Service: config.ServiceConfig{Name: "test"},
		NATS:    config.NATSConfig{URL: []string{natsURL}},
	})
	cfg.AckWaitSec = 2
	cfg.NackDelayMS = 10
	cfg.MaxDeliver = maxDeliver
	cfg.MaxAckPending = 128
	return cfg
}

func testAlert(mediumType string) domain.Alert {
	return domain.Alert{
		Notification: domain.Notification{
			ID:       "n-1",
			EventID:  "web-01:http",
			Type:     domain.NotificationProblem,
			State:    "critical",
			Severity: "critical",
			Time:     time.Unix(1700000000, 0).UTC(),
		},
		AlertID:    "a-1",
		ContactID:  "ops",
		MediumID:   "m-1",
		MediumType: mediumType,
		Address:    "ops@example.com",
	}
}

func waitForCallsAtLeast(t *testing.T, timeout time.Duration, counter *int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadInt32(counter) >= min {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected calls >= %d, got %d", min, atomic.LoadInt32(counter))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	idA := BuildJobID(testAlert("email"))
	idB := BuildJobID(testAlert("email"))
	if idA == "" {
		t.Fatalf("expected non-empty job id")
	}
	if idA != idB {
		t.Fatalf("expected deterministic ids: %q != %q", idA, idB)
	}
	other := testAlert("email")
	other.Rollup = domain.RollupProblem
	if BuildJobID(other) == idA {
		t.Fatalf("rollup alert must get a distinct id")
	}
}

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	q := NewMemoryQueue(4, nil, func(_ context.Context, job Job) error {
		mu.Lock()
		seen = append(seen, job.Alert.Address)
		mu.Unlock()
		if job.Alert.Address == "bad" {
			return MarkPermanent(errors.New("bad address"))
		}
		return nil
	})
	for _, addr := range []string{"a", "bad", "b"} {
		alert := testAlert("email")
		alert.Address = addr
		if err := q.Enqueue(context.Background(), NewJob(alert, time.Now())); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Drain()
	_ = q.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "bad" || seen[2] != "b" {
		t.Fatalf("unexpected delivery order %v", seen)
	}
	if err := q.Enqueue(context.Background(), NewJob(testAlert("email"), time.Now())); err == nil {
		t.Fatalf("enqueue after close must fail")
	}
}

func TestNATSProducerWorkerRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		doneCh   = make(chan Job, 1)
	)
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, job Job) error {
		mu.Lock()
		attempts[job.ID]++
		current := attempts[job.ID]
		mu.Unlock()
		if current == 1 {
			return context.DeadlineExceeded
		}
		select {
		case doneCh <- job:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	job := NewJob(testAlert("sms"), time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var got Job
	select {
	case got = <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for redelivery success")
	}
	if got.Alert.MediumType != "sms" || got.Alert.EventID != "web-01:http" {
		t.Fatalf("unexpected job payload %+v", got)
	}

	mu.Lock()
	gotAttempts := attempts[job.ID]
	mu.Unlock()
	if gotAttempts < 2 {
		t.Fatalf("expected at least 2 attempts due redelivery, got %d", gotAttempts)
	}
}

func TestNATSWorkerPublishesPermanentErrorToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)
	cfg.DLQEnabled = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return MarkPermanent(errors.New("no gateway for medium"))
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(cfg.DLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := NewJob(testAlert("pager"), time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonPermanentError {
		t.Fatalf("unexpected dlq reason: %s", entry.Reason)
	}
	if entry.Job.ID != job.ID || entry.Subject != SubjectFor(cfg.SubjectPrefix, "pager") {
		t.Fatalf("unexpected dlq entry: %+v", entry)
	}
	if entry.Attempts != 1 {
		t.Fatalf("unexpected attempts: %d", entry.Attempts)
	}

	waitForCallsAtLeast(t, time.Second, &calls, 1)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single handler call, got %d", got)
	}
}

func TestNATSWorkerPublishesMaxDeliverToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 2)
	cfg.AckWaitSec = 1
	cfg.DLQEnabled = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(cfg.DLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := NewJob(testAlert("email"), time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(8 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonMaxDeliverExceeded {
		t.Fatalf("unexpected dlq reason: %s", entry.Reason)
	}
	if entry.Attempts < 2 {
		t.Fatalf("expected attempts>=2, got %d", entry.Attempts)
	}
	waitForCallsAtLeast(t, time.Second, &calls, 2)
}
