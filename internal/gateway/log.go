package gateway

import (
	"context"
	"log/slog"

	"eventrouter/internal/domain"
)

// Log writes alerts to the service logger instead of an external transport.
type Log struct {
	logger *slog.Logger
}

// NewLog creates log gateway.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("gateway", "log")}
}

// Name returns gateway key.
func (g *Log) Name() string {
	return "log"
}

// Deliver logs one alert.
func (g *Log) Deliver(_ context.Context, alert domain.Alert) error {
	attrs := []any{
		"alert_id", alert.AlertID,
		"event_id", alert.EventID,
		"type", alert.AlertType(),
		"state", alert.State,
		"severity", string(alert.Severity),
		"contact", alert.ContactName,
		"medium", alert.MediumType,
		"address", alert.Address,
		"summary", alert.Summary,
	}
	if alert.Rollup != domain.RollupNone {
		attrs = append(attrs, "rollup_summary", alert.RollupSummary, "rollup_count", len(alert.RollupAlerts))
	}
	g.logger.Info("alert", attrs...)
	return nil
}
