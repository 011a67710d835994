// Package storage defines the Store interface that abstracts task persistence.
// Three backends are provided: in-memory (tests, demos), SQLite (default,
// zero-config), and PostgreSQL (production, multi-instance).
package storage

import (
	"context"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// Store is the persistence interface used by the orchestration engine.
// Every backend implements the full orchestrator.TaskStore contract,
// including compare-and-set updates and change notifications.
type Store interface {
	orchestrator.TaskStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// EventSource is implemented by stores whose change notifications are
// delivered by a background loop (PostgreSQL LISTEN). Run blocks until
// ctx is cancelled.
type EventSource interface {
	Run(ctx context.Context) error
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory is the in-memory driver name. Data does not survive restarts.
const DriverMemory = "memory"

// MemoryStore adapts orchestrator.InMemoryStore to Store.
type MemoryStore struct {
	*orchestrator.InMemoryStore
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{InMemoryStore: orchestrator.NewInMemoryStore()}
}

func (*MemoryStore) Migrate(context.Context) error { return nil }
func (*MemoryStore) Ping(context.Context) error    { return nil }
func (*MemoryStore) Close() error                  { return nil }
func (*MemoryStore) Driver() string                { return DriverMemory }

var _ Store = (*MemoryStore)(nil)
