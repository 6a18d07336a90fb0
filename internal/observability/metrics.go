package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects connectivity-layer metrics.
//
// The metrics track message delivery by source (push vs polling replay),
// reconnection churn, sweep outcomes, and subscription counts. They are
// registered with the provided registry and exposed at /metrics.
type Metrics struct {
	// MessagesDelivered counts messages handed to upstream callbacks.
	// Labels: source (push|poll)
	MessagesDelivered *prometheus.CounterVec

	// ReconnectAttempts counts reconnection attempts.
	// Labels: component (supervisor|registry|heartbeat)
	ReconnectAttempts *prometheus.CounterVec

	// SessionsSwept counts sessions auto-ended by the lifecycle monitor.
	// Labels: reason (auto_timeout|inactivity_timeout)
	SessionsSwept *prometheus.CounterVec

	// ActiveSubscriptions gauges logical subscriptions in the registry.
	ActiveSubscriptions prometheus.Gauge

	// BackendConnected gauges the heartbeat view of backend liveness
	// (1 connected, 0 disconnected).
	BackendConnected prometheus.Gauge

	// PollingTicks counts fallback polling queries.
	// Labels: status (ok|error)
	PollingTicks *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_realtime_messages_delivered_total",
				Help: "Messages delivered to upstream callbacks by source",
			},
			[]string{"source"},
		),
		ReconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_realtime_reconnect_attempts_total",
				Help: "Reconnection attempts by component",
			},
			[]string{"component"},
		),
		SessionsSwept: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_sessions_swept_total",
				Help: "Sessions auto-ended by the lifecycle monitor, by reason",
			},
			[]string{"reason"},
		),
		ActiveSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kindred_realtime_active_subscriptions",
				Help: "Logical subscriptions currently active in the registry",
			},
		),
		BackendConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kindred_backend_connected",
				Help: "Heartbeat view of backend liveness (1 connected, 0 not)",
			},
		),
		PollingTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_realtime_polling_ticks_total",
				Help: "Fallback polling queries by outcome",
			},
			[]string{"status"},
		),
	}
}
