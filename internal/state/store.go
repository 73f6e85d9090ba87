package state

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates absent key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update or an existing key on create.
	ErrConflict = errors.New("revision conflict")
)

// Store is the indexed persistence substrate shared by every component.
// Params: revisioned keys for CAS read-modify-write and a separate expiring keyspace.
// Returns: backend persistence behavior.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, expectedRevision uint64, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	SetExpiring(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CreateExpiring(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetExpiring(ctx context.Context, key string) ([]byte, error)
	DeleteExpiring(ctx context.Context, key string) error

	Close() error
}
