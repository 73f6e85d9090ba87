package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"eventrouter/internal/state"
)

// ErrLocked is returned when the lease is held by someone else after every attempt.
var ErrLocked = errors.New("lease is held by another process")

const (
	defaultTTL      = time.Minute
	defaultAttempts = 10
	defaultBackoff  = 500 * time.Millisecond
)

// Options tunes lease acquisition.
// Params: lease lifetime, bounded attempts, and pause between attempts.
// Returns: acquisition policy (zero fields use defaults).
type Options struct {
	TTL      time.Duration
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

// Lease is one held mutual-exclusion token on a named resource.
type Lease struct {
	store    state.Store
	key      string
	resource string
	token    string
	ttl      time.Duration
}

// Key returns the expiring key guarding resource.
func Key(resource string) string {
	return state.Key("lease", resource)
}

// Acquire takes the lease on resource, retrying while it is held elsewhere.
// Params: store with expiring keys, resource name, and options.
// Returns: held lease, ErrLocked after the last failed attempt, or store/context error.
func Acquire(ctx context.Context, store state.Store, resource string, opts Options) (*Lease, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Lease{
		store:    store,
		key:      Key(resource),
		resource: resource,
		token:    uuid.NewString(),
		ttl:      opts.TTL,
	}
	backoff := opts.Backoff
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		err := store.CreateExpiring(ctx, l.key, []byte(l.token), l.ttl)
		if err == nil {
			logger.Debug("lease acquired", "resource", resource, "attempt", attempt)
			return l, nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return nil, fmt.Errorf("acquire lease %s: %w", resource, err)
		}
		logger.Warn("lease busy", "resource", resource, "attempt", attempt, "max_attempts", opts.Attempts)
		if attempt == opts.Attempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrLocked, resource, opts.Attempts)
}

// Token returns the random token identifying this holder.
func (l *Lease) Token() string {
	return l.token
}

// Extend renews the lease lifetime while it is still ours.
// Returns: ErrLocked when the lease expired and was taken by another holder.
func (l *Lease) Extend(ctx context.Context) error {
	if err := l.verify(ctx); err != nil {
		return err
	}
	return l.store.SetExpiring(ctx, l.key, []byte(l.token), l.ttl)
}

// Release drops the lease if it is still ours; an expired lease is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.verify(ctx); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	return l.store.DeleteExpiring(ctx, l.key)
}

func (l *Lease) verify(ctx context.Context) error {
	current, err := l.store.GetExpiring(ctx, l.key)
	if err != nil {
		return err
	}
	if string(current) != l.token {
		return fmt.Errorf("%w: %s", ErrLocked, l.resource)
	}
	return nil
}
