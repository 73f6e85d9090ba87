package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"eventrouter/internal/config"
	"eventrouter/internal/domain"
	"eventrouter/internal/metrics"
	"eventrouter/internal/notifyqueue"
)

// Delivery results reported in metrics.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultRejected  = "rejected"
)

// Gateway delivers one alert through a concrete transport.
// Params: context and fully resolved alert.
// Returns: transport error; permanent errors are marked with notifyqueue.MarkPermanent.
type Gateway interface {
	Name() string
	Deliver(ctx context.Context, alert domain.Alert) error
}

// Router dispatches delivery jobs to gateways by medium type.
// Params: gateways bound to explicit medium types and an optional catch-all.
// Returns: notifyqueue.Handler compatible dispatcher.
type Router struct {
	byType   map[string]Gateway
	fallback Gateway
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRouter builds gateways enabled in config.
// Params: gateway config, metrics (optional), and logger.
// Returns: router or error for a gateway that cannot be built.
func NewRouter(cfg config.GatewayConfig, m *metrics.Metrics, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{byType: make(map[string]Gateway), metrics: m, logger: logger}
	if cfg.Webhook.Enabled {
		webhook, err := NewWebhook(cfg.Webhook, logger)
		if err != nil {
			return nil, err
		}
		if err := r.Register(webhook, cfg.Webhook.MediaTypes...); err != nil {
			return nil, err
		}
	}
	if cfg.Log.Enabled {
		if err := r.Register(NewLog(logger), cfg.Log.MediaTypes...); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register binds gateway to medium types; no types makes it the catch-all.
// Params: gateway and medium types.
// Returns: error when a type or the catch-all is already taken.
func (r *Router) Register(g Gateway, mediaTypes ...string) error {
	if len(mediaTypes) == 0 {
		if r.fallback != nil {
			return fmt.Errorf("gateway %s: catch-all already served by %s", g.Name(), r.fallback.Name())
		}
		r.fallback = g
		return nil
	}
	for _, t := range mediaTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if existing, ok := r.byType[t]; ok {
			return fmt.Errorf("gateway %s: medium type %q already served by %s", g.Name(), t, existing.Name())
		}
		r.byType[t] = g
	}
	return nil
}

// MediaTypes returns explicitly routed medium types.
func (r *Router) MediaTypes() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handle delivers one queued job.
// Params: context and delivery job.
// Returns: permanent error for unroutable media, transport error otherwise.
func (r *Router) Handle(ctx context.Context, job notifyqueue.Job) error {
	mediumType := job.Alert.MediumType
	if mediumType == "" {
		mediumType = job.MediumType
	}
	g, ok := r.byType[mediumType]
	if !ok {
		g = r.fallback
	}
	if g == nil {
		r.count(mediumType, ResultRejected)
		return notifyqueue.MarkPermanent(fmt.Errorf("no gateway for medium type %q", mediumType))
	}

	if err := g.Deliver(ctx, job.Alert); err != nil {
		result := ResultFailed
		if notifyqueue.IsPermanent(err) {
			result = ResultRejected
		}
		r.count(mediumType, result)
		r.logger.Warn("alert delivery failed",
			"job_id", job.ID,
			"gateway", g.Name(),
			"medium", mediumType,
			"event_id", job.Alert.EventID,
			"error", err.Error(),
		)
		return err
	}
	r.count(mediumType, ResultDelivered)
	r.logger.Debug("alert delivered", "job_id", job.ID, "gateway", g.Name(), "medium", mediumType, "event_id", job.Alert.EventID)
	return nil
}

func (r *Router) count(mediumType, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.Deliveries.WithLabelValues(mediumType, result).Inc()
}
