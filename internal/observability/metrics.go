package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the process-level Prometheus metrics for taskforge.
// Uses a custom registry, no global state. Orchestrator metrics register
// on the same Registry (see orchestrator.NewSchedulerMetrics).
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Agent transport metrics.
	AgentsConnected    prometheus.Gauge
	AgentMessagesTotal *prometheus.CounterVec
	AgentRunsTotal     *prometheus.CounterVec

	// Mailbox transport metrics.
	MailboxDeliveriesTotal  *prometheus.CounterVec
	MailboxDeliveryDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		AgentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "agent",
			Name:      "connected",
			Help:      "Agents currently connected over WebSocket.",
		}),

		AgentMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "agent",
			Name:      "messages_total",
			Help:      "Protocol messages received from agents.",
		}, []string{"type"}),

		AgentRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Task runs reported by agents, by outcome.",
		}, []string{"outcome"}),

		MailboxDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "mailbox",
			Name:      "deliveries_total",
			Help:      "Mailbox deliveries attempted, by transport and status.",
		}, []string{"transport", "status"}),

		MailboxDeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "mailbox",
			Name:      "delivery_duration_seconds",
			Help:      "Mailbox delivery duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"transport"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.AgentsConnected,
		m.AgentMessagesTotal,
		m.AgentRunsTotal,
		m.MailboxDeliveriesTotal,
		m.MailboxDeliveryDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the Prometheus registry, or nil when metrics are off.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
