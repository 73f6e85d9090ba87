package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps state in process memory for single-instance mode.
// Params: in-memory maps for revisioned and expiring keys plus injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	data     map[string]memoryEntry
	expiring map[string]memoryExpiring
	revision uint64
}

type memoryEntry struct {
	value    []byte
	revision uint64
}

type memoryExpiring struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates in-memory state store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		data:     make(map[string]memoryEntry),
		expiring: make(map[string]memoryExpiring),
	}
}

// Get returns value and revision.
// Params: key.
// Returns: stored bytes, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return cloneBytes(entry.value), entry.revision, nil
}

// Put writes value unconditionally.
// Params: key and value.
// Returns: new revision.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(key, value), nil
}

// Create writes value only when key is absent.
// Params: key and value.
// Returns: new revision or ErrConflict.
func (s *MemoryStore) Create(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return 0, ErrConflict
	}
	return s.writeLocked(key, value), nil
}

// Update writes value using expected revision CAS.
// Params: key, expected revision, and replacement value.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, key string, expectedRevision uint64, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	return s.writeLocked(key, value), nil
}

func (s *MemoryStore) writeLocked(key string, value []byte) uint64 {
	s.revision++
	s.data[key] = memoryEntry{value: cloneBytes(value), revision: s.revision}
	return s.revision
}

// Delete removes revisioned key.
// Params: key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys lists revisioned keys by prefix.
// Params: key prefix (empty lists everything).
// Returns: sorted matching keys.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SetExpiring writes expiring key unconditionally.
// Params: key, value, and TTL (<=0 never expires).
// Returns: nil (in-memory update).
func (s *MemoryStore) SetExpiring(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setExpiringLocked(key, value, ttl)
	return nil
}

// CreateExpiring writes expiring key only when no live entry exists.
// Params: key, value, and TTL.
// Returns: ErrConflict when a live entry exists.
func (s *MemoryStore) CreateExpiring(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.expiring[key]; ok && s.liveLocked(entry) {
		return ErrConflict
	}
	s.setExpiringLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) setExpiringLocked(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.expiring[key] = memoryExpiring{value: cloneBytes(value), expiresAt: expiresAt}
}

func (s *MemoryStore) liveLocked(entry memoryExpiring) bool {
	return entry.expiresAt.IsZero() || s.now().Before(entry.expiresAt)
}

// GetExpiring reads live expiring key.
// Params: key.
// Returns: value or ErrNotFound when absent or expired.
func (s *MemoryStore) GetExpiring(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.expiring[key]
	if ok && s.liveLocked(entry) {
		s.mu.RUnlock()
		return cloneBytes(entry.value), nil
	}
	s.mu.RUnlock()
	return nil, ErrNotFound
}

// DeleteExpiring removes expiring key.
// Params: key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) DeleteExpiring(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiring, key)
	return nil
}

// ExpireDue removes expired keys and reports them, standing in for KV expiry markers.
// Params: none (uses injected clock).
// Returns: sorted keys that expired since the previous call.
func (s *MemoryStore) ExpireDue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := make([]string, 0)
	for key, entry := range s.expiring {
		if !s.liveLocked(entry) {
			expired = append(expired, key)
			delete(s.expiring, key)
		}
	}
	sort.Strings(expired)
	return expired
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
