// Package sqlite implements the Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns are stored as text
//   - No LISTEN/NOTIFY: task events are published in-process, so only the
//     process that made a change sees its event
//   - A single open connection; SQLite serializes writers anyway
package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/taskforge/internal/storage"
	pgstore "github.com/jkaninda/taskforge/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // Default: wal.
}

var journalModes = map[string]bool{
	"wal": true, "delete": true, "truncate": true, "persist": true, "memory": true, "off": true,
}

func (c Config) dsn() (string, error) {
	mode := strings.ToLower(c.JournalMode)
	if mode == "" {
		mode = "wal"
	}
	if !journalModes[mode] {
		return "", fmt.Errorf("unsupported sqlite journal mode %q", c.JournalMode)
	}
	// busy_timeout covers the window where a second process (migrate, mcp)
	// holds the write lock.
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", c.Path, mode), nil
}

// Store implements storage.Store backed by SQLite. The task repository is
// shared with the PostgreSQL backend; GORM's SQLite dialect handles the
// SQL differences, and the version column gives the same compare-and-set.
type Store struct {
	*pgstore.TaskRepository
	db *gorm.DB
}

// Open creates the database file if needed and returns a Store with a
// single connection.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{TaskRepository: pgstore.NewTaskRepository(db), db: db}, nil
}

func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

var _ storage.Store = (*Store)(nil)
