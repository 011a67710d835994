package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics holds Prometheus metrics for task orchestration.
// All metrics use the taskforge_orchestrator_ namespace.
type SchedulerMetrics struct {
	TasksCreatedTotal   prometheus.Counter
	TransitionsTotal    *prometheus.CounterVec
	AssignmentsTotal    *prometheus.CounterVec
	AckTimeoutsTotal    prometheus.Counter
	ConflictsTotal      prometheus.Counter
	CancellationsTotal  *prometheus.CounterVec
	MessagesTotal       *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	AckLatency          prometheus.Histogram
	ReadyTasks          *prometheus.GaugeVec
	ActiveSchedulers    prometheus.Gauge
	RegistryUnavailable prometheus.Counter
}

// NewSchedulerMetrics creates and registers orchestration metrics on the given registry.
// Returns nil if reg is nil.
func NewSchedulerMetrics(reg *prometheus.Registry) *SchedulerMetrics {
	if reg == nil {
		return nil
	}

	m := &SchedulerMetrics{
		TasksCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "tasks_created_total",
			Help:      "Total tasks created.",
		}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Committed status transitions by source and target status.",
		}, []string{"from", "to"}),

		AssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "assignments_total",
			Help:      "Assignment attempts by result (assigned, conflict, no_agent, delivery_failed).",
		}, []string{"result"}),

		AckTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "ack_timeouts_total",
			Help:      "Assigned tasks requeued because the agent never acknowledged.",
		}),

		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "cas_conflicts_total",
			Help:      "Optimistic concurrency conflicts observed on task writes.",
		}),

		CancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "cancellations_total",
			Help:      "Cancelled tasks by mode (direct, cascade).",
		}, []string{"mode"}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "mailbox_messages_total",
			Help:      "Mailbox messages by type and delivery result.",
		}, []string{"message_type", "result"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "scheduler_cycle_seconds",
			Help:      "Duration of one scheduler cycle.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "ack_latency_seconds",
			Help:      "Time between assignment and agent acknowledgment.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		ReadyTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "ready_tasks",
			Help:      "Ready pending tasks seen in the last scheduler cycle, by team.",
		}, []string{"team_id"}),

		ActiveSchedulers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "active_schedulers",
			Help:      "Number of running per-team scheduler loops.",
		}),

		RegistryUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "orchestrator",
			Name:      "registry_unavailable_total",
			Help:      "Scheduler cycles skipped because the agent registry could not be reached.",
		}),
	}

	reg.MustRegister(
		m.TasksCreatedTotal,
		m.TransitionsTotal,
		m.AssignmentsTotal,
		m.AckTimeoutsTotal,
		m.ConflictsTotal,
		m.CancellationsTotal,
		m.MessagesTotal,
		m.CycleDuration,
		m.AckLatency,
		m.ReadyTasks,
		m.ActiveSchedulers,
		m.RegistryUnavailable,
	)

	return m
}

func (m *SchedulerMetrics) transition(from, to TaskStatus) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *SchedulerMetrics) assignment(result string) {
	if m == nil {
		return
	}
	m.AssignmentsTotal.WithLabelValues(result).Inc()
}
