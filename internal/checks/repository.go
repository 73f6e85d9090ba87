package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eventrouter/internal/domain"
	"eventrouter/internal/state"
)

const (
	defaultMaxStates = 2000

	// DefaultMaxRecordBytes keeps one check record well under the NATS 1MB payload limit.
	DefaultMaxRecordBytes = 512 << 10
)

// MaxActions caps stored action records per check.
const MaxActions = 100

var (
	// ErrNotFound indicates an unknown check id.
	ErrNotFound = errors.New("check not found")
	// ErrTooLarge means a check record exceeds the size budget even without history.
	ErrTooLarge = errors.New("check record too large")
	// ErrReferenced refuses deletion of a check still named by a contact or rule.
	ErrReferenced = errors.New("check is referenced")
)

// ReferenceChecker reports whether anything outside the check still names it.
type ReferenceChecker interface {
	ReferencesCheck(ctx context.Context, checkID string) (bool, error)
}

// Repository stores checks with their history and maintenance windows.
// Params: shared store, history cap, and logger.
// Returns: check persistence with secondary indexes kept in step.
type Repository struct {
	store     state.Store
	maxStates int
	maxBytes  int
	logger    *slog.Logger
	refs      ReferenceChecker

	enabled  state.Index
	entities state.Index
	tags     state.Index
	ackHash  state.Index
}

// NewRepository creates check repository.
// Params: store, history cap (<=0 uses default), optional logger.
// Returns: ready repository.
func NewRepository(store state.Store, maxStates int, logger *slog.Logger) *Repository {
	if maxStates <= 0 {
		maxStates = defaultMaxStates
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:     store,
		maxStates: maxStates,
		maxBytes:  DefaultMaxRecordBytes,
		logger:    logger,
		enabled:   state.NewIndex(store, "check_enabled"),
		entities:  state.NewIndex(store, "check_entity"),
		tags:      state.NewIndex(store, "check_tag"),
		ackHash:   state.NewIndex(store, "check_ack_hash"),
	}
}

// SetReferenceChecker installs the guard consulted by Delete.
func (r *Repository) SetReferenceChecker(refs ReferenceChecker) {
	r.refs = refs
}

// SetMaxRecordBytes sets the encoded size budget of one check record; <=0 disables trimming.
func (r *Repository) SetMaxRecordBytes(n int) {
	r.maxBytes = n
}

// MaxStates returns the configured history cap.
func (r *Repository) MaxStates() int {
	return r.maxStates
}

func recordKey(id string) string {
	return state.Key("check", id)
}

// Get loads one check record.
// Params: check id.
// Returns: record or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	rec, _, err := state.GetJSON[Record](ctx, r.store, recordKey(id))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, err
	}
	return rec, nil
}

// Apply runs fn inside one optimistic transaction on the check record and refreshes indexes afterwards.
// Params: check id and mutation (exists=false means fn starts from a zero record; return state.ErrNoChange to skip).
// Returns: resulting record.
func (r *Repository) Apply(ctx context.Context, id string, fn func(rec *Record, exists bool) error) (Record, error) {
	var (
		before  Record
		existed bool
		changed bool
	)
	after, err := state.MutateJSON(ctx, r.store, recordKey(id), func(rec *Record, exists bool) error {
		before = *rec
		existed = exists
		changed = false
		if err := fn(rec, exists); err != nil {
			return err
		}
		dropped, err := rec.FitSize(r.maxBytes)
		if err != nil {
			return err
		}
		if dropped > 0 {
			r.logger.Warn("check history trimmed to size budget", "check", id, "dropped", dropped)
		}
		changed = true
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !changed {
		return after, nil
	}
	if err := r.syncIndexes(ctx, before.Check, existed, after.Check); err != nil {
		return after, fmt.Errorf("sync check indexes %s: %w", id, err)
	}
	return after, nil
}

// Ensure returns existing check or creates it.
// Params: check id and creation time.
// Returns: record and whether it was created.
func (r *Repository) Ensure(ctx context.Context, id string, now time.Time) (Record, bool, error) {
	created := false
	rec, err := r.Apply(ctx, id, func(rec *Record, exists bool) error {
		if exists {
			created = false
			return state.ErrNoChange
		}
		created = true
		rec.Check = domain.NewCheck(id, now.UTC())
		return nil
	})
	return rec, created, err
}

// History returns state records with from <= timestamp <= to (zero bounds are open).
func (r *Repository) History(ctx context.Context, id string, from, to time.Time) ([]domain.State, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.StatesBetween(from, to), nil
}

// StatesAround returns records overlapping [start, end] plus the one preceding start.
func (r *Repository) StatesAround(ctx context.Context, id string, start, end time.Time) ([]domain.State, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.StatesAround(start, end), nil
}

// SetEnabled toggles check enabled flag.
// Params: check id and flag.
// Returns: ErrNotFound for unknown checks.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.Apply(ctx, id, func(rec *Record, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if rec.Check.Enabled == enabled {
			return state.ErrNoChange
		}
		rec.Check.Enabled = enabled
		return nil
	})
	return err
}

// Delete removes a check with its history and windows.
// Params: check id.
// Returns: ErrReferenced while something still names the check.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if r.refs != nil {
		referenced, err := r.refs.ReferencesCheck(ctx, id)
		if err != nil {
			return err
		}
		if referenced {
			return fmt.Errorf("%w: %s", ErrReferenced, id)
		}
	}
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, recordKey(id)); err != nil {
		return err
	}
	for _, kind := range []domain.WindowKind{domain.WindowScheduled, domain.WindowUnscheduled} {
		if err := r.store.DeleteExpiring(ctx, CurrentWindowKey(kind, id)); err != nil && !errors.Is(err, state.ErrNotFound) {
			return err
		}
	}
	if err := r.syncIndexes(ctx, rec.Check, true, domain.Check{}); err != nil {
		return err
	}
	r.logger.Info("check deleted", "check", id)
	return nil
}

// ListIDs returns all stored check ids.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	prefix := state.Prefix("check")
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, state.UnescapeSegment(strings.TrimPrefix(key, prefix)))
	}
	return ids, nil
}

// EnabledIDs returns ids of enabled checks.
func (r *Repository) EnabledIDs(ctx context.Context) (state.IDSet, error) {
	return r.enabled.Members(ctx, "true")
}

// FindByAckHash resolves an acknowledgement hash to its check id.
// Returns: ErrNotFound when no check carries the hash.
func (r *Repository) FindByAckHash(ctx context.Context, hash string) (string, error) {
	ids, err := r.ackHash.Members(ctx, strings.ToLower(strings.TrimSpace(hash)))
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: ack hash %s", ErrNotFound, hash)
	}
	return ids[0], nil
}

// Filter starts an index query over checks.
// Params: none.
// Returns: filter builder bound to check indexes.
func (r *Repository) Filter() *Query {
	return &Query{repo: r, filter: state.NewFilter()}
}

// Query composes check index lookups.
type Query struct {
	repo   *Repository
	filter *state.Filter
}

// Entity keeps checks of entity.
func (q *Query) Entity(entity string) *Query {
	q.filter.Intersect(q.repo.entities, entity)
	return q
}

// AnyTag keeps checks carrying at least one tag; the first call seeds the result.
func (q *Query) AnyTag(tags ...string) *Query {
	q.filter.Union(q.repo.tags, tags...)
	return q
}

// Enabled keeps enabled checks.
func (q *Query) Enabled() *Query {
	q.filter.Intersect(q.repo.enabled, "true")
	return q
}

// IDs resolves the query.
func (q *Query) IDs(ctx context.Context) (state.IDSet, error) {
	return q.filter.Resolve(ctx)
}

func (r *Repository) syncIndexes(ctx context.Context, before domain.Check, existed bool, after domain.Check) error {
	id := after.ID
	if id == "" {
		id = before.ID
	}
	if id == "" {
		return nil
	}

	wasEnabled := existed && before.Enabled
	if wasEnabled != after.Enabled {
		var err error
		if after.Enabled {
			err = r.enabled.Add(ctx, "true", id)
		} else {
			err = r.enabled.Remove(ctx, "true", id)
		}
		if err != nil {
			return err
		}
	}
	if err := syncValue(ctx, r.entities, before.Entity, after.Entity, id); err != nil {
		return err
	}
	if err := syncValue(ctx, r.ackHash, before.AckHash, after.AckHash, id); err != nil {
		return err
	}

	oldTags := state.NewIDSet(before.Tags...)
	newTags := state.NewIDSet(after.Tags...)
	for _, tag := range oldTags.Diff(newTags) {
		if err := r.tags.Remove(ctx, tag, id); err != nil {
			return err
		}
	}
	for _, tag := range newTags.Diff(oldTags) {
		if err := r.tags.Add(ctx, tag, id); err != nil {
			return err
		}
	}
	return nil
}

func syncValue(ctx context.Context, ix state.Index, before, after, id string) error {
	if before == after {
		return nil
	}
	if before != "" {
		if err := ix.Remove(ctx, before, id); err != nil {
			return err
		}
	}
	if after != "" {
		return ix.Add(ctx, after, id)
	}
	return nil
}

// CurrentWindowKey names the expiring cache key holding the current window id of one kind.
func CurrentWindowKey(kind domain.WindowKind, checkID string) string {
	return state.Key("maint", "current", string(kind), checkID)
}
