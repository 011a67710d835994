package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures circuit breakers around the agent registry.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Trip after this many failures. Default: 5.
	OpenTimeout         time.Duration // Stay open before probing. Default: 30s.
	HalfOpenRequests    uint32        // Probes allowed while half-open. Default: 3.
}

func (c BreakerConfig) consecutiveFailures() uint32 {
	if c.ConsecutiveFailures > 0 {
		return c.ConsecutiveFailures
	}
	return 5
}

func (c BreakerConfig) openTimeout() time.Duration {
	if c.OpenTimeout > 0 {
		return c.OpenTimeout
	}
	return 30 * time.Second
}

func (c BreakerConfig) halfOpenRequests() uint32 {
	if c.HalfOpenRequests > 0 {
		return c.HalfOpenRequests
	}
	return 3
}

// BreakerRegistry wraps an AgentRegistry with circuit breakers: one for the
// registry itself and one per agent for deliveries. An open breaker makes
// Available fail fast, which the scheduler treats as "no agents" and simply
// leaves tasks pending.
type BreakerRegistry struct {
	inner  AgentRegistry
	cfg    BreakerConfig
	logger *slog.Logger

	registry *gobreaker.CircuitBreaker

	mu     sync.Mutex
	agents map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry wraps inner with circuit breakers.
func NewBreakerRegistry(inner AgentRegistry, cfg BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = discardLogger()
	}
	b := &BreakerRegistry{
		inner:  inner,
		cfg:    cfg,
		logger: logger,
		agents: make(map[string]*gobreaker.CircuitBreaker),
	}
	b.registry = b.newBreaker("agent-registry")
	return b
}

func (b *BreakerRegistry) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: b.cfg.halfOpenRequests(),
		Timeout:     b.cfg.openTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.consecutiveFailures()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about agent health.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

func (b *BreakerRegistry) agent(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.agents[name]
	if !ok {
		cb = b.newBreaker("agent:" + name)
		b.agents[name] = cb
	}
	return cb
}

// Available lists workers, skipping agents whose breaker is open.
func (b *BreakerRegistry) Available(ctx context.Context) ([]Worker, error) {
	result, err := b.registry.Execute(func() (interface{}, error) {
		return b.inner.Available(ctx)
	})
	if err != nil {
		return nil, err
	}
	workers := result.([]Worker)

	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := workers[:0]
	for _, w := range workers {
		if cb, ok := b.agents[w.Name]; ok && cb.State() == gobreaker.StateOpen {
			continue
		}
		filtered = append(filtered, w)
	}
	return filtered, nil
}

// Assign delivers through the agent's breaker.
func (b *BreakerRegistry) Assign(ctx context.Context, agentName string, a Assignment) error {
	_, err := b.agent(agentName).Execute(func() (interface{}, error) {
		return nil, b.inner.Assign(ctx, agentName, a)
	})
	return err
}

// CancelRun bypasses the breaker; a stop signal is always worth trying.
func (b *BreakerRegistry) CancelRun(ctx context.Context, agentName string, taskID uuid.UUID, reason string) error {
	return b.inner.CancelRun(ctx, agentName, taskID, reason)
}

var _ AgentRegistry = (*BreakerRegistry)(nil)
