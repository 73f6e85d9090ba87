package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"eventrouter/internal/checks"
	"eventrouter/internal/lease"
	"eventrouter/internal/maintenance"
	"eventrouter/internal/state"
)

// SchemaVersion is the layout written by this build.
const SchemaVersion = 1

// LeaseResource names the lease serializing startup migrations.
const LeaseResource = "migration"

// Result summarizes one migration run.
type Result struct {
	FromVersion int
	ToVersion   int
	Checks      int
	Backfilled  int
	Revalidated int
}

type schemaMeta struct {
	Version int `json:"version"`
}

// SchemaKey stores the applied schema version.
func SchemaKey() string {
	return state.Key("meta", "schema_version")
}

// Run upgrades stored records under the migration lease and rebuilds maintenance caches.
// Params: store, check repository, tracker, lease options, and logger.
// Returns: summary, or an error the caller must treat as fatal (including lease.ErrLocked).
func Run(ctx context.Context, store state.Store, repo *checks.Repository, tracker *maintenance.Tracker, opts lease.Options, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	held, err := lease.Acquire(ctx, store, LeaseResource, opts)
	if err != nil {
		return Result{}, fmt.Errorf("migration lease: %w", err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("migration lease release failed", "error", err.Error())
		}
	}()

	meta, _, err := state.GetJSON[schemaMeta](ctx, store, SchemaKey())
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}
	res := Result{FromVersion: meta.Version, ToVersion: SchemaVersion}

	ids, err := repo.ListIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list checks: %w", err)
	}
	res.Checks = len(ids)
	for _, id := range ids {
		if meta.Version < 1 {
			changed, err := backfillNotifiedSeverity(ctx, repo, id)
			if err != nil {
				return res, err
			}
			if changed {
				res.Backfilled++
			}
		}
		if err := revalidate(ctx, tracker, id); err != nil {
			return res, err
		}
		res.Revalidated++
	}

	if meta.Version < SchemaVersion {
		if _, err := state.PutJSON(ctx, store, SchemaKey(), schemaMeta{Version: SchemaVersion}); err != nil {
			return res, fmt.Errorf("write schema version: %w", err)
		}
	}
	logger.Info("migration complete",
		"from_version", res.FromVersion,
		"to_version", res.ToVersion,
		"checks", res.Checks,
		"backfilled", res.Backfilled,
	)
	return res, nil
}

// backfillNotifiedSeverity derives the stored worst notified severity from history for failing checks.
func backfillNotifiedSeverity(ctx context.Context, repo *checks.Repository, id string) (bool, error) {
	changed := false
	_, err := repo.Apply(ctx, id, func(rec *checks.Record, exists bool) error {
		changed = false
		if !exists || rec.Check.NotifiedSeverity != "" || !rec.Check.Failing() {
			return state.ErrNoChange
		}
		worst := checks.ScanMaxNotifiedSeverity(rec.States)
		if worst == "" {
			return state.ErrNoChange
		}
		rec.Check.NotifiedSeverity = worst
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("backfill notified severity %s: %w", id, err)
	}
	return changed, nil
}

func revalidate(ctx context.Context, tracker *maintenance.Tracker, id string) error {
	if _, _, err := tracker.Revalidate(ctx, id); err != nil && !errors.Is(err, checks.ErrNotFound) {
		return fmt.Errorf("revalidate scheduled maintenance %s: %w", id, err)
	}
	if _, _, err := tracker.RevalidateUnscheduled(ctx, id); err != nil && !errors.Is(err, checks.ErrNotFound) {
		return fmt.Errorf("revalidate unscheduled maintenance %s: %w", id, err)
	}
	return nil
}
