package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/taskforge/internal/config"
)

// AnomalyDetector warns when an agent's recent runs fail more often than
// the configured threshold. It only logs; it never changes scheduling.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]bool
	cfg       *config.AnomalyConfig
	now       func() time.Time
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]bool),
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (a *AnomalyDetector) minSamples() int {
	if a.cfg.MinSamples > 0 {
		return a.cfg.MinSamples
	}
	return 5
}

// RecordFailure records a failed run for agent.
func (a *AnomalyDetector) RecordFailure(agent string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.failures, agent).add(a.now())
	a.check(agent)
}

// RecordSuccess records a completed run for agent.
func (a *AnomalyDetector) RecordSuccess(agent string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successes, agent).add(a.now())
	a.check(agent)
}

// FailureRate returns the agent's failure rate in the current window.
func (a *AnomalyDetector) FailureRate(agent string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	failed, total := a.counts(agent)
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// Flagged reports whether agent is currently over the threshold.
func (a *AnomalyDetector) Flagged(agent string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[agent]
}

// counts must be called with a.mu held.
func (a *AnomalyDetector) counts(agent string) (failed, total int) {
	now := a.now()
	failed = a.window(a.failures, agent).count(now)
	total = failed + a.window(a.successes, agent).count(now)
	return failed, total
}

// check must be called with a.mu held. It logs once when an agent crosses
// the threshold and once when it recovers.
func (a *AnomalyDetector) check(agent string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	failed, total := a.counts(agent)
	if total < a.minSamples() {
		return
	}

	rate := float64(failed) / float64(total)
	switch {
	case rate > threshold && !a.flagged[agent]:
		a.flagged[agent] = true
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high agent failure rate",
				slog.String("agent", agent),
				slog.Float64("failure_rate", rate),
				slog.Float64("threshold", threshold),
				slog.Int("failed", failed),
				slog.Int("total", total),
			)
		}
	case rate <= threshold && a.flagged[agent]:
		delete(a.flagged, agent)
		if a.logger != nil {
			a.logger.Info("agent failure rate back under threshold",
				slog.String("agent", agent),
				slog.Float64("failure_rate", rate),
			)
		}
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(at time.Time) {
	w.entries = append(w.entries, at)
	w.prune(at)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
