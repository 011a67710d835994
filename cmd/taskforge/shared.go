package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/observability"
	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/storage"
	pgstore "github.com/jkaninda/taskforge/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/taskforge/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every server-side command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store
	Obs    *observability.Observability

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path (TASKFORGE_CONFIG wins over --config)
// and falls back to defaults when neither is set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(goutils.Env("TASKFORGE_CONFIG", configPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to stderr so that
// stdout stays free for command output and the MCP stdio transport.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initShared opens observability and storage and runs migrations.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		obs.TracerOrNil().Install()
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverMemory:
		logger.Warn("using in-memory storage; tasks are lost on restart")
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var pg *config.PostgresStorageConfig
	if cfg.Storage != nil {
		pg = cfg.Storage.Postgres
	}
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or TASKFORGE_DB_DSN)")
	}

	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB, pg.NotifyChannel, logger), nil
}

// engineConfig maps the file configuration onto the engine's settings.
func engineConfig(cfg *config.Config) orchestrator.EngineConfig {
	ec := orchestrator.EngineConfig{
		Scheduler: orchestrator.SchedulerConfig{
			PollInterval:           cfg.Scheduler.PollInterval(),
			AckTimeout:             cfg.Scheduler.AckTimeout(),
			MaxAssignmentsPerCycle: cfg.Scheduler.MaxAssignments(),
		},
		RecentTasksLimit: cfg.RecentLimit(),
	}
	if s := cfg.Scheduler; s != nil {
		ec.Scheduler.Retry = orchestrator.RetryConfig{
			InitialInterval: time.Duration(s.Retry.InitialIntervalMs) * time.Millisecond,
			MaxInterval:     time.Duration(s.Retry.MaxIntervalMs) * time.Millisecond,
			MaxElapsedTime:  time.Duration(s.Retry.MaxElapsedMs) * time.Millisecond,
		}
		ec.Breaker = orchestrator.BreakerConfig{
			ConsecutiveFailures: uint32(max(s.Breaker.ConsecutiveFailures, 0)),
			OpenTimeout:         time.Duration(s.Breaker.OpenTimeoutSeconds) * time.Second,
			HalfOpenRequests:    uint32(max(s.Breaker.HalfOpenRequests, 0)),
		}
	}
	return ec
}
