package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker backs /healthz and /readyz. Readiness runs every registered
// check (storage, redis mailbox) in parallel under one deadline.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	started time.Time
	logger  *slog.Logger
}

// HealthCheck is a named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON body of the health endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status   string `json:"status"` // "ok" or "fail"
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{started: time.Now(), logger: logger}
}

// AddCheck registers a probe. Safe to call while the server is running.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth is liveness: the process answers, whatever its dependencies do.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok", Uptime: time.Since(h.started).Round(time.Second).String()}
}

// CheckReady reports "ok" only if every probe passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			res := CheckResult{Status: "ok"}
			if err := c.Check(ctx); err != nil {
				res.Status = "fail"
				res.Message = err.Error()
			}
			res.Duration = time.Since(start).String()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i].Status == "ok" {
			continue
		}
		status.Status = "degraded"
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}
