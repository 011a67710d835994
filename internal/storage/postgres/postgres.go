// Package postgres implements PostgreSQL-backed task storage using GORM.
// All GORM usage is confined to the storage packages; orchestrator types
// remain ORM-free. The SQLite backend reuses the models and repository
// defined here.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (c Config) maxIdleTime() time.Duration {
	if c.ConnMaxIdleTime > 0 {
		return c.ConnMaxIdleTime
	}
	return 10 * time.Minute
}

// DB is an open connection pool. The listener opens its own connection
// from the same DSN because LISTEN pins a session.
type DB struct {
	gormDB *gorm.DB
	dsn    string
	logger *slog.Logger
}

// Open connects to PostgreSQL. Schema changes are applied by AutoMigrate.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	// Timestamps are compared across instances (ack deadlines), so they are
	// always written in UTC.
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := configurePool(db, cfg); err != nil {
		return nil, err
	}

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
		slog.Duration("conn_max_lifetime", cfg.maxLifetime()),
	)
	return &DB{gormDB: db, dsn: cfg.DSN, logger: slogger}, nil
}

func configurePool(db *gorm.DB, cfg Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())
	sqlDB.SetConnMaxIdleTime(cfg.maxIdleTime())
	return nil
}

func (d *DB) GormDB() *gorm.DB { return d.gormDB }

func (d *DB) DSN() string { return d.dsn }

// Ping backs the "storage" readiness check.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// pendingQueueIndex serves the scheduler's ready-task scan: pending rows of
// one team in priority then creation order. GORM tags cannot express the
// WHERE clause; PostgreSQL and SQLite both accept the statement.
const pendingQueueIndex = `CREATE INDEX IF NOT EXISTS idx_tasks_pending_queue
	ON tasks (team_id, priority, created_at) WHERE status = 'pending'`

// AutoMigrate creates or updates the task tables. tasks goes first since
// task_dependencies references it.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&TaskModel{}, &TaskDependencyModel{}); err != nil {
		return fmt.Errorf("migrating task tables: %w", err)
	}
	if err := db.Exec(pendingQueueIndex).Error; err != nil {
		return fmt.Errorf("creating pending queue index: %w", err)
	}
	return nil
}

// NewGormLogger sends GORM warnings, errors and slow queries to slogger.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter implements logger.Writer. GORM only writes at Warn and above
// with the config above.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
