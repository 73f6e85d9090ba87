package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventrouter/internal/config"
	"eventrouter/test/testutil"
)

func newIntegrationNATSStore(t *testing.T) (*NATSStore, config.NATSStateConfig) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	url, stop := testutil.StartLocalNATSServer(t)
	t.Cleanup(stop)

	cfg := config.DeriveStateNATSConfig(config.Config{NATS: config.NATSConfig{URL: []string{url}}})
	store, err := NewNATSStore(cfg)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, cfg
}

func TestNATSStoreCASAndKeys(t *testing.T) {
	store, _ := newIntegrationNATSStore(t)
	ctx := context.Background()

	key := Key("check", "web-01:http")
	rev, err := store.Create(ctx, key, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, key, []byte(`{}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Update(ctx, key, rev+100, []byte(`{}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale revision conflict, got %v", err)
	}
	if _, err := store.Update(ctx, key, rev, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	keys, err := store.Keys(ctx, "check/")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || LastSegment(keys[0]) != "web-01:http" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNATSStoreExpiringKeysAndConsumer(t *testing.T) {
	store, cfg := newIntegrationNATSStore(t)
	ctx := context.Background()

	expired := make(chan string, 4)
	consumer, err := NewExpiryConsumer(cfg, func(_ context.Context, key, _ string) error {
		expired <- key
		return nil
	})
	if err != nil {
		t.Fatalf("expiry consumer: %v", err)
	}
	defer consumer.Close()

	key := Key("lease", "migrate")
	if err := store.CreateExpiring(ctx, key, []byte("token-a"), time.Second); err != nil {
		t.Fatalf("create expiring: %v", err)
	}
	if err := store.CreateExpiring(ctx, key, []byte("token-b"), time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for live lease, got %v", err)
	}

	select {
	case got := <-expired:
		if got != key {
			t.Fatalf("unexpected expired key %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for expiry marker")
	}

	if err := store.CreateExpiring(ctx, key, []byte("token-c"), 5*time.Second); err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	value, err := store.GetExpiring(ctx, key)
	if err != nil || string(value) != "token-c" {
		t.Fatalf("unexpected value %q err=%v", value, err)
	}
}
