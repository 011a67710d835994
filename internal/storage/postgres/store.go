package postgres

import (
	"context"
	"log/slog"

	"github.com/jkaninda/taskforge/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*TaskRepository
	pgDB     *DB
	listener *Listener
}

// NewStore wraps an existing DB as a Store. Task events travel through
// LISTEN/NOTIFY on channel (EventChannel when empty), so every instance
// sharing the database sees them.
func NewStore(pgDB *DB, channel string, logger *slog.Logger) *Store {
	if channel == "" {
		channel = EventChannel
	}
	repo := NewNotifyingTaskRepository(pgDB.GormDB(), channel)
	return &Store{
		TaskRepository: repo,
		pgDB:           pgDB,
		listener:       NewListener(pgDB.DSN(), channel, repo, logger),
	}
}

func (s *Store) Migrate(_ context.Context) error {
	return AutoMigrate(s.pgDB.GormDB())
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

// Run delivers task events until ctx is cancelled. Without it running,
// subscribers on this instance receive no events.
func (s *Store) Run(ctx context.Context) error {
	return s.listener.Run(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the underlying database wrapper.
func (s *Store) DB() *DB {
	return s.pgDB
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
