package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventrouter/internal/config"
	"eventrouter/internal/contacts"
	"eventrouter/internal/domain"
	"eventrouter/internal/maintenance"
	"eventrouter/internal/schedule"
)

// maintenanceNamespace scopes deterministic ids of config-declared windows.
var maintenanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("eventrouter/maintenance"))

// syncContacts makes stored contacts match the declared ones.
// Params: declared contacts, repository, logger.
// Returns: first validation or store error; stored contacts absent from config are removed.
func syncContacts(ctx context.Context, declared []config.ContactConfig, repo *contacts.Repository, logger *slog.Logger) error {
	keep := make(map[string]struct{}, len(declared))
	for _, cc := range declared {
		stored, err := repo.Put(ctx, cc.ToDomain())
		if err != nil {
			return fmt.Errorf("sync contact %s: %w", cc.ID, err)
		}
		keep[stored.ID] = struct{}{}
	}
	ids, err := repo.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := repo.Delete(ctx, id); err != nil {
			return fmt.Errorf("remove undeclared contact %s: %w", id, err)
		}
		logger.Info("undeclared contact removed", "contact", id)
	}
	logger.Info("contacts synced", "declared", len(declared))
	return nil
}

// syncMaintenance stores declared windows; ids are derived from content so restarts replace rather than duplicate.
// Params: declared windows, tracker, default location for cron fields, logger.
// Returns: first store or expansion error.
func syncMaintenance(ctx context.Context, declared []config.MaintenanceConfig, tracker *maintenance.Tracker, loc *time.Location, logger *slog.Logger) error {
	for _, mc := range declared {
		dur, durErr := mc.WindowDuration()
		if strings.TrimSpace(mc.Cron) != "" {
			if durErr != nil {
				return fmt.Errorf("maintenance %s: %w", mc.Check, durErr)
			}
			rec := schedule.Recurrence{Cron: mc.Cron, Duration: dur}
			if mc.From != nil {
				rec.From = *mc.From
			}
			if mc.Until != nil {
				rec.Until = *mc.Until
			}
			windows, err := tracker.ScheduleRecurring(ctx, mc.Check, rec, mc.Summary, loc)
			if err != nil {
				return fmt.Errorf("maintenance %s: %w", mc.Check, err)
			}
			logger.Info("recurring maintenance expanded", "check", mc.Check, "cron", mc.Cron, "windows", len(windows))
			continue
		}

		start := mc.Start.UTC()
		var end time.Time
		if mc.End != nil {
			end = mc.End.UTC()
		} else {
			if durErr != nil {
				return fmt.Errorf("maintenance %s: %w", mc.Check, durErr)
			}
			end = start.Add(dur)
		}
		w, err := tracker.AddScheduled(ctx, domain.Window{
			ID:      declaredWindowID(mc.Check, start, end),
			CheckID: mc.Check,
			Start:   start,
			End:     end,
			Summary: mc.Summary,
		})
		if err != nil {
			return fmt.Errorf("maintenance %s: %w", mc.Check, err)
		}
		logger.Debug("scheduled maintenance declared", "check", mc.Check, "window", w.ID, "start", w.Start, "end", w.End)
	}
	return nil
}

func declaredWindowID(checkID string, start, end time.Time) string {
	name := fmt.Sprintf("%s|%d|%d", checkID, start.Unix(), end.Unix())
	return uuid.NewSHA1(maintenanceNamespace, []byte(name)).String()
}
