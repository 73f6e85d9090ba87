package assembler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/condition"
	"eventrouter/internal/contacts"
	"eventrouter/internal/domain"
	"eventrouter/internal/state"
)

// alertingSet is the per-medium record of checks currently alerting through it.
type alertingSet struct {
	Checks   map[string]time.Time `json:"checks"`
	RolledUp bool                 `json:"rolled_up"`
}

var unhealthyStates = []condition.Condition{condition.Warning, condition.Critical, condition.Unknown}

func blockKey(mediumID, checkID, st string) string {
	return state.Key("block", mediumID, checkID, st)
}

func rollupBlockKey(mediumID string) string {
	return state.Key("block", mediumID, "rollup")
}

// trackAlerting adds failing checks to the medium's alerting set and removes cleared ones.
func (a *Assembler) trackAlerting(ctx context.Context, mediumID string, n domain.Notification, now time.Time) (alertingSet, error) {
	set, err := state.MutateJSON(ctx, a.store, contacts.AlertingKey(mediumID), func(set *alertingSet, _ bool) error {
		if set.Checks == nil {
			set.Checks = map[string]time.Time{}
		}
		_, present := set.Checks[n.EventID]
		switch {
		case n.ClearsAlerts():
			if !present {
				return state.ErrNoChange
			}
			delete(set.Checks, n.EventID)
		case n.Type == domain.NotificationProblem:
			if present {
				return state.ErrNoChange
			}
			set.Checks[n.EventID] = now
		default:
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return alertingSet{}, fmt.Errorf("update alerting set %s: %w", mediumID, err)
	}
	if set.Checks == nil {
		set.Checks = map[string]time.Time{}
	}
	return set, nil
}

// cleanAlerting drops checks that no longer count toward a rollup.
// A check leaves the set when it is gone, healthy, in maintenance, or no longer routed to the contact.
func (a *Assembler) cleanAlerting(ctx context.Context, contactID, mediumID string, set alertingSet) (alertingSet, error) {
	stale := make([]string, 0)
	for checkID := range set.Checks {
		keep, err := a.stillAlerting(ctx, contactID, checkID)
		if err != nil {
			return set, err
		}
		if !keep {
			stale = append(stale, checkID)
		}
	}
	if len(stale) == 0 {
		return set, nil
	}
	cleaned, err := state.MutateJSON(ctx, a.store, contacts.AlertingKey(mediumID), func(set *alertingSet, exists bool) error {
		if !exists {
			return state.ErrNoChange
		}
		for _, checkID := range stale {
			delete(set.Checks, checkID)
		}
		return nil
	})
	if err != nil {
		return set, fmt.Errorf("clean alerting set %s: %w", mediumID, err)
	}
	if cleaned.Checks == nil {
		cleaned.Checks = map[string]time.Time{}
	}
	a.logger.Debug("alerting set cleaned", "medium", mediumID, "removed", len(stale))
	return cleaned, nil
}

func (a *Assembler) stillAlerting(ctx context.Context, contactID, checkID string) (bool, error) {
	rec, err := a.checks.Get(ctx, checkID)
	if err != nil {
		if errors.Is(err, checks.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !rec.Check.Failing() {
		return false, nil
	}
	if in, err := a.maintenance.InScheduled(ctx, checkID); err != nil || in {
		return false, err
	}
	if in, err := a.maintenance.InUnscheduled(ctx, checkID); err != nil || in {
		return false, err
	}
	interested, err := a.contacts.Interested(ctx, rec.Check)
	if err != nil {
		return false, err
	}
	for _, c := range interested {
		if c.ID == contactID {
			return true, nil
		}
	}
	return false, nil
}

func (a *Assembler) setRolledUp(ctx context.Context, mediumID string, rolledUp bool) error {
	_, err := state.MutateJSON(ctx, a.store, contacts.AlertingKey(mediumID), func(set *alertingSet, _ bool) error {
		if set.RolledUp == rolledUp {
			return state.ErrNoChange
		}
		set.RolledUp = rolledUp
		return nil
	})
	if err != nil {
		return fmt.Errorf("set rollup flag %s: %w", mediumID, err)
	}
	return nil
}

func (a *Assembler) blocked(ctx context.Context, key string) (bool, error) {
	if _, err := a.store.GetExpiring(ctx, key); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read block %s: %w", key, err)
	}
	return true, nil
}

func (a *Assembler) setBlock(ctx context.Context, key string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	value := []byte(a.now().UTC().Format(time.RFC3339))
	if err := a.store.SetExpiring(ctx, key, value, interval); err != nil {
		return fmt.Errorf("set block %s: %w", key, err)
	}
	return nil
}

func (a *Assembler) clearBlock(ctx context.Context, key string) error {
	if err := a.store.DeleteExpiring(ctx, key); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("clear block %s: %w", key, err)
	}
	return nil
}

// clearCheckBlocks lifts every unhealthy-state block of a check so the next failure alerts at once.
func (a *Assembler) clearCheckBlocks(ctx context.Context, mediumID, checkID string) error {
	for _, c := range unhealthyStates {
		if err := a.clearBlock(ctx, blockKey(mediumID, checkID, string(c))); err != nil {
			return err
		}
	}
	return nil
}
