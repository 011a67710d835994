package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil || obs.TracerOrNil() != nil {
		t.Error("nil Observability should hand out nil components")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vectors only appear in Gather after first use.
	m.AgentMessagesTotal.WithLabelValues("task.result").Inc()
	m.AgentRunsTotal.WithLabelValues("completed").Inc()
	m.MailboxDeliveriesTotal.WithLabelValues("websocket", "delivered").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/tasks", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"taskforge_agent_connected",
		"taskforge_agent_messages_total",
		"taskforge_agent_runs_total",
		"taskforge_mailbox_deliveries_total",
		"taskforge_http_requests_total",
		"taskforge_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_SharedWithOrchestrator(t *testing.T) {
	m := NewMetricsCollector()
	sm := orchestrator.NewSchedulerMetrics(m.RegistryOrNil())
	if sm == nil {
		t.Fatal("expected scheduler metrics on a non-nil registry")
	}
	sm.TasksCreatedTotal.Inc()

	if v := counterValue(t, m.Registry, "taskforge_orchestrator_tasks_created_total", nil); v != 1 {
		t.Errorf("tasks created = %v, want 1", v)
	}

	var nilCollector *MetricsCollector
	if nilCollector.RegistryOrNil() != nil {
		t.Error("nil collector should have nil registry")
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("mailbox", func(context.Context) error { return nil })

	got := h.CheckReady(context.Background())
	if got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
	if len(got.Checks) != 2 || got.Checks["store"].Status != "ok" {
		t.Errorf("checks = %+v", got.Checks)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("mailbox", func(context.Context) error { return errors.New("connection refused") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	mb := got.Checks["mailbox"]
	if mb.Status != "fail" || mb.Message != "connection refused" {
		t.Errorf("mailbox check = %+v", mb)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(context.Context) error { return errors.New("down") })
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q, want ok regardless of checks", got.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordFailure("worker-1")
	a.RecordSuccess("worker-1")
	if a.Flagged("worker-1") || a.FailureRate("worker-1") != 0 {
		t.Error("nil detector should report nothing")
	}
}

func TestAnomalyDetector_FailureRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5, MinSamples: 4}, nil)

	// Three failures are below the sample floor.
	for i := 0; i < 3; i++ {
		a.RecordFailure("worker-1")
	}
	if a.Flagged("worker-1") {
		t.Fatal("flagged before reaching min samples")
	}

	a.RecordSuccess("worker-1")
	if !a.Flagged("worker-1") {
		t.Fatalf("failure rate %.2f over 0.5 should flag", a.FailureRate("worker-1"))
	}
	if a.Flagged("worker-2") {
		t.Error("flag leaked to another agent")
	}

	// Enough successes bring the rate back under the threshold.
	for i := 0; i < 3; i++ {
		a.RecordSuccess("worker-1")
	}
	if a.Flagged("worker-1") {
		t.Errorf("rate %.2f should have cleared the flag", a.FailureRate("worker-1"))
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.RecordFailure("worker-1")
	a.RecordSuccess("worker-1")
	if got := a.FailureRate("worker-1"); got != 0.5 {
		t.Fatalf("rate = %v, want 0.5", got)
	}

	now = now.Add(2 * time.Minute)
	if got := a.FailureRate("worker-1"); got != 0 {
		t.Errorf("rate after window = %v, want 0", got)
	}
}

// --- InstrumentedDeliverer ---

type stubDeliverer struct {
	err   error
	calls int
}

func (s *stubDeliverer) Deliver(context.Context, string, orchestrator.Message) error {
	s.calls++
	return s.err
}

func TestInstrumentedDeliverer_Records(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubDeliverer{}
	d := NewInstrumentedDeliverer(inner, "redis", metrics, nil)

	msg := orchestrator.Message{ID: uuid.New(), Type: orchestrator.MessageStatus, Body: "ping"}
	if err := d.Deliver(context.Background(), "worker-1", msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	inner.err = errors.New("stream full")
	if err := d.Deliver(context.Background(), "worker-1", msg); err == nil {
		t.Fatal("expected error to pass through")
	}

	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
	if v := counterValue(t, metrics.Registry, "taskforge_mailbox_deliveries_total", prometheus.Labels{"transport": "redis", "status": "delivered"}); v != 1 {
		t.Errorf("delivered = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "taskforge_mailbox_deliveries_total", prometheus.Labels{"transport": "redis", "status": "error"}); v != 1 {
		t.Errorf("errors = %v, want 1", v)
	}
}

func TestInstrumentedDeliverer_NilMetrics(t *testing.T) {
	d := NewInstrumentedDeliverer(&stubDeliverer{}, "websocket", nil, nil)
	if err := d.Deliver(context.Background(), "worker-1", orchestrator.Message{}); err != nil {
		t.Errorf("deliver: %v", err)
	}
}

func TestRecordRun(t *testing.T) {
	metrics := NewMetricsCollector()
	RecordRun(metrics, nil, "worker-1", false)
	RecordRun(metrics, nil, "worker-1", true)
	RecordRun(nil, nil, "worker-1", true)

	if v := counterValue(t, metrics.Registry, "taskforge_agent_runs_total", prometheus.Labels{"outcome": "failed"}); v != 1 {
		t.Errorf("failed runs = %v, want 1", v)
	}
}

// --- Middleware ---

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"/v1/tasks", "/v1/tasks"},
		{"/v1/tasks/3f1c2b9e-7d4a-4c1e-9b0a-1d2e3f4a5b6c/cancel", "/v1/tasks/:id/cancel"},
		{"/v1/runs/3f1c2b9e-7d4a-4c1e-9b0a-1d2e3f4a5b6c/messages", "/v1/runs/:id/messages"},
		{"/v1/tasks/not-a-uuid", "/v1/tasks/not-a-uuid"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.path); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
	if !isStream("/v1/events") || isStream("/v1/tasks") {
		t.Error("isStream misclassified a route")
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
