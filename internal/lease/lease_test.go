package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventrouter/internal/state"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore() (*state.MemoryStore, *testClock) {
	clk := &testClock{now: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)}
	return state.NewMemoryStore(clk.Now), clk
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore()
	held, err := Acquire(ctx, store, "migration", Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = Acquire(ctx, store, "migration", Options{TTL: time.Minute, Attempts: 3, Backoff: time.Millisecond})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := Acquire(ctx, store, "migration", Options{TTL: time.Minute, Attempts: 1})
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if again.Token() == held.Token() {
		t.Fatalf("each holder must get a fresh token")
	}
}

func TestExpiredLeaseCanBeTakenOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := newStore()
	stale, err := Acquire(ctx, store, "migration", Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(2 * time.Minute)

	fresh, err := Acquire(ctx, store, "migration", Options{TTL: time.Minute, Attempts: 1})
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if err := stale.Extend(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale holder must not extend, got %v", err)
	}
	if err := stale.Release(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale holder must not release another token, got %v", err)
	}
	if _, err := store.GetExpiring(ctx, Key("migration")); err != nil {
		t.Fatalf("fresh lease must survive stale release: %v", err)
	}
	if err := fresh.Release(ctx); err != nil {
		t.Fatalf("fresh release: %v", err)
	}
	if err := fresh.Release(ctx); err != nil {
		t.Fatalf("releasing an absent lease must be a no-op, got %v", err)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	if _, err := Acquire(context.Background(), store, "migration", Options{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Acquire(ctx, store, "migration", Options{Attempts: 5, Backoff: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
