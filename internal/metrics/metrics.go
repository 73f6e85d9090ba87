// Package metrics defines Prometheus metrics for the event router.
//
// Metric naming follows Prometheus conventions:
//   - eventrouter_ prefix for all custom metrics
//   - _total suffix for counters
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event counter labels.
const (
	EventAll     = "all"
	EventOK      = "ok"
	EventFailure = "failure"
	EventAction  = "action"
	EventInvalid = "invalid"
)

// Metrics owns one registry and every collector exported by the service.
type Metrics struct {
	registry *prometheus.Registry

	// Events counts processed events by kind (all, ok, failure, action, invalid).
	Events *prometheus.CounterVec
	// Blocked counts events that passed state update but were stopped by a filter.
	Blocked *prometheus.CounterVec
	// Notifications counts generated notifications by type.
	Notifications *prometheus.CounterVec
	// Alerts counts alerts handed to delivery queues by medium type and rollup kind.
	Alerts *prometheus.CounterVec
	// Deliveries counts gateway outcomes by medium type and result.
	Deliveries *prometheus.CounterVec
	// IngestRejected counts HTTP ingest requests refused before queueing.
	IngestRejected *prometheus.CounterVec
	// QueueDepth reports pending payloads per queue.
	QueueDepth *prometheus.GaugeVec
}

// New creates metrics registered in a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrouter_events_total",
			Help: "Total events processed by kind.",
		}, []string{"kind"}),
		Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrouter_events_blocked_total",
			Help: "Total events blocked by a notification filter.",
		}, []string{"filter"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrouter_notifications_total",
			Help: "Total notifications generated by type.",
		}, []string{"type"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrouter_alerts_total",
			Help: "Total alerts enqueued for delivery.",
		}, []string{"medium", "rollup"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrouter_deliveries_total",
			Help: "Total gateway delivery attempts by result.",
		}, []string{"medium", "result"}),
		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrouter_ingest_rejected_total",
			Help: "Total ingest requests rejected by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventrouter_queue_depth",
			Help: "Pending payloads per queue.",
		}, []string{"queue"}),
	}
	m.registry.MustRegister(
		m.Events,
		m.Blocked,
		m.Notifications,
		m.Alerts,
		m.Deliveries,
		m.IngestRejected,
		m.QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
