package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/taskforge/internal/agent"
	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/gateway"
	"github.com/jkaninda/taskforge/internal/gateway/httpapi"
	"github.com/jkaninda/taskforge/internal/gateway/ws"
	"github.com/jkaninda/taskforge/internal/mailbox"
	"github.com/jkaninda/taskforge/internal/notification"
	"github.com/jkaninda/taskforge/internal/observability"
	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/ratelimit"
	"github.com/jkaninda/taskforge/internal/storage"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the HTTP API, and the agent WebSocket endpoint",
	RunE:  runServe,
}

func init() {
	// Registered on root too so that `taskforge --port :9090` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the orchestration server.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = servePort
	}
	logger := newLogger(cfg.Log)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := sc.Obs.MetricsOrNil()
	anomaly := sc.Obs.AnomalyOrNil()
	tracer := sc.Obs.TracerOrNil()

	// Cross-instance change notifications (PostgreSQL LISTEN).
	if src, ok := sc.Store.(storage.EventSource); ok {
		go func() {
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("task event listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	registry := agent.NewRegistry(logger)

	// Mailbox transport.
	var deliverer orchestrator.Deliverer = registry
	transport := "websocket"
	if cfg.Mailbox.MailboxDriver() == "redis" {
		mb, err := mailbox.NewRedisMailbox(ctx, cfg.Mailbox, logger)
		if err != nil {
			return fmt.Errorf("initializing redis mailbox: %w", err)
		}
		sc.addCleanup(func() {
			if err := mb.Close(); err != nil {
				logger.Error("closing redis mailbox", slog.String("error", err.Error()))
			}
		})
		if sc.Obs != nil && sc.Obs.Health != nil {
			sc.Obs.Health.AddCheck("mailbox", mb.Ping)
		}
		deliverer = mb
		transport = "redis"
	}
	if metrics != nil {
		deliverer = observability.NewInstrumentedDeliverer(deliverer, transport, metrics, tracer)
	}

	engine := orchestrator.NewEngine(
		sc.Store,
		registry,
		deliverer,
		orchestrator.NewSchedulerMetrics(metrics.RegistryOrNil()),
		logger,
		engineConfig(cfg),
	)
	registry.OnChange(engine.AgentsChanged)

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler pool stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("scheduler started",
		slog.String("storage", sc.Store.Driver()),
		slog.String("mailbox", transport),
		slog.Duration("poll_interval", cfg.Scheduler.PollInterval()),
		slog.Duration("ack_timeout", cfg.Scheduler.AckTimeout()),
	)

	if dispatcher := notification.NewDispatcher(cfg.Notifications, nil, logger); dispatcher != nil {
		detach := dispatcher.Attach(engine)
		defer detach()
		go func() { _ = dispatcher.Run(ctx) }()
	}

	if cfg.WebSocket == nil || cfg.WebSocket.AgentToken == "" {
		logger.Warn("agent token not set; any client may register as an agent")
	}
	wsServer := ws.NewServer(registry, engine, cfg.WebSocket, metrics, anomaly, logger)

	var limiter *ratelimit.Limiter
	if cfg.HTTP != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		})
	}

	stopMaintenance, err := startMaintenance(cfg, registry, limiter, logger)
	if err != nil {
		return err
	}
	defer stopMaintenance()

	var health *observability.HealthChecker
	if sc.Obs != nil {
		health = sc.Obs.Health
		health.AddCheck("storage", sc.Store.Ping)
	}

	httpCfg := httpapi.Config{
		ListenAddr:      cfg.HTTP.Addr(),
		MaxRequestSize:  cfg.HTTP.MaxBodyBytes(),
		MetricsRegistry: metrics.RegistryOrNil(),
		HealthChecker:   health,
		Metrics:         metrics,
		Tracer:          tracer.Tracer(),
	}
	if cfg.HTTP != nil {
		httpCfg.EnableDocs = cfg.HTTP.EnableDocs
		httpCfg.APIKeys = cfg.HTTP.APIKeys
	}
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if len(httpCfg.APIKeys) == 0 {
		logger.Warn("no API keys configured; every /v1 request will be rejected")
	}

	gateways := []gateway.Gateway{
		httpapi.NewGateway(httpCfg, engine, limiter, logger).
			WithAgents(registry).
			WithSSE(cfg.HTTP != nil && cfg.HTTP.SSE).
			WithHandler(cfg.WebSocket.WSPath(), wsServer.Handler()),
	}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// startMaintenance schedules the periodic sweeps: stale agent eviction,
// expiry of unacknowledged offers, and idle rate-limit bucket pruning.
func startMaintenance(cfg *config.Config, registry *agent.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) (func(), error) {
	staleAfter := cfg.WebSocket.StaleAfter()
	ackTimeout := cfg.Scheduler.AckTimeout()

	c := cron.New()
	_, err := c.AddFunc(cfg.Scheduler.Maintenance(), func() {
		if evicted := registry.EvictStale(staleAfter); len(evicted) > 0 {
			logger.Warn("evicted stale agents", slog.Any("agents", evicted))
		}
		if expired := registry.ExpireOffers(ackTimeout); expired > 0 {
			logger.Info("expired unacknowledged offers", slog.Int("count", expired))
		}
		if limiter != nil {
			limiter.Prune()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.maintenance_schedule %q: %w", cfg.Scheduler.Maintenance(), err)
	}
	c.Start()
	logger.Debug("maintenance scheduled", slog.String("schedule", cfg.Scheduler.Maintenance()))

	return func() { <-c.Stop().Done() }, nil
}
