package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrNoChange lets a mutation callback skip the write.
var ErrNoChange = errors.New("no change")

const (
	defaultMutateAttempts = 50
	defaultMutateBackoff  = 5 * time.Millisecond
	maxMutateBackoff      = 500 * time.Millisecond
)

// Mutate applies fn to key under optimistic concurrency, retrying conflicts with jittered backoff.
// Params: store, key, and callback receiving current bytes (nil when absent).
// Returns: written revision (0 when fn returned ErrNoChange) or last error.
func Mutate(ctx context.Context, store Store, key string, fn func(current []byte, exists bool) ([]byte, error)) (uint64, error) {
	backoff := defaultMutateBackoff
	for attempt := 1; ; attempt++ {
		current, rev, err := store.Get(ctx, key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}

		next, err := fn(current, exists)
		if err != nil {
			if errors.Is(err, ErrNoChange) {
				return 0, nil
			}
			return 0, err
		}

		var written uint64
		if exists {
			written, err = store.Update(ctx, key, rev, next)
		} else {
			written, err = store.Create(ctx, key, next)
		}
		if err == nil {
			return written, nil
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		if attempt >= defaultMutateAttempts {
			return 0, fmt.Errorf("mutate %q after %d attempts: %w", key, attempt, err)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff/2 + rand.N(backoff/2+1)):
		}
		backoff *= 2
		if backoff > maxMutateBackoff {
			backoff = maxMutateBackoff
		}
	}
}

// MutateJSON decodes key into T, applies fn, and writes the result under CAS.
// Params: store, key, and callback editing value in place (exists=false starts from zero value).
// Returns: resulting value (unchanged when fn returned ErrNoChange) or error.
func MutateJSON[T any](ctx context.Context, store Store, key string, fn func(value *T, exists bool) error) (T, error) {
	var result T
	_, err := Mutate(ctx, store, key, func(current []byte, exists bool) ([]byte, error) {
		var value T
		if exists {
			if err := json.Unmarshal(current, &value); err != nil {
				return nil, fmt.Errorf("decode %q: %w", key, err)
			}
		}
		if err := fn(&value, exists); err != nil {
			result = value
			return nil, err
		}
		result = value
		return json.Marshal(value)
	})
	return result, err
}

// GetJSON reads and decodes one key.
// Params: store and key.
// Returns: decoded value, revision, or ErrNotFound.
func GetJSON[T any](ctx context.Context, store Store, key string) (T, uint64, error) {
	var value T
	raw, rev, err := store.Get(ctx, key)
	if err != nil {
		return value, 0, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, 0, fmt.Errorf("decode %q: %w", key, err)
	}
	return value, rev, nil
}

// PutJSON encodes and writes one key unconditionally.
func PutJSON(ctx context.Context, store Store, key string, value any) (uint64, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode %q: %w", key, err)
	}
	return store.Put(ctx, key, body)
}
