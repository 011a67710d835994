//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// testDSN returns TEST_POSTGRES_DSN, or starts a throwaway container.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpg.Run(ctx, "postgres:16-alpine",
			tcpg.WithDatabase("taskforge_test"),
			tcpg.WithUsername("test"),
			tcpg.WithPassword("test"),
			tcpg.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("no postgres available: %v", containerErr)
	}
	return containerDSN
}

func testDB(t *testing.T) *DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: testDSN(t)}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	if err := AutoMigrate(db.GormDB()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testTeam isolates each test's rows in a shared database.
func testTeam() string {
	return "team-" + uuid.New().String()[:8]
}

func seedTask(t *testing.T, repo *TaskRepository, team string, deps ...uuid.UUID) *orchestrator.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &orchestrator.Task{
		ID:           uuid.New(),
		TeamID:       team,
		Prompt:       "run the suite",
		Status:       orchestrator.TaskPending,
		Priority:     5,
		Dependencies: deps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("creating task: %v", err)
	}
	return task
}

// --- Compare-and-Set Atomicity ---

func TestCompareAndSet_ConcurrentAssignments(t *testing.T) {
	db := testDB(t)
	repo := NewTaskRepository(db.GormDB())
	ctx := context.Background()
	task := seedTask(t, repo, testTeam())

	// 20 schedulers race to assign the same pending task from the same version.
	const numWorkers = 20
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(i int) {
			defer wg.Done()
			cp := task.Clone()
			if err := orchestrator.Transition(cp, orchestrator.TaskAssigned, time.Now().UTC()); err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			cp.AssignedAgentName = "worker"
			err := repo.UpdateTask(ctx, cp)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, orchestrator.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("update %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful assignments = %d, want 1", got)
	}
	if got := conflicts.Load(); got != numWorkers-1 {
		t.Errorf("conflicts = %d, want %d", got, numWorkers-1)
	}

	stored, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != 2 || stored.Status != orchestrator.TaskAssigned {
		t.Errorf("stored = %s v%d, want assigned v2", stored.Status, stored.Version)
	}
}

// --- Dependency Graph ---

func TestDependents_AndCounts(t *testing.T) {
	db := testDB(t)
	repo := NewTaskRepository(db.GormDB())
	ctx := context.Background()
	team := testTeam()

	a := seedTask(t, repo, team)
	b := seedTask(t, repo, team, a.ID)
	c := seedTask(t, repo, team, a.ID, b.ID)

	deps, err := repo.ListDependents(ctx, team, a.ID)
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(deps) != 2 || deps[0].ID != b.ID || deps[1].ID != c.ID {
		t.Errorf("dependents of a = %v", deps)
	}

	got, _ := repo.GetTask(ctx, c.ID)
	if len(got.Dependencies) != 2 || got.Dependencies[0] != a.ID || got.Dependencies[1] != b.ID {
		t.Errorf("dependencies of c = %v", got.Dependencies)
	}

	counts, err := repo.CountByStatus(ctx, team)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[orchestrator.TaskPending] != 3 {
		t.Errorf("pending = %d, want 3", counts[orchestrator.TaskPending])
	}
}

// --- LISTEN/NOTIFY ---

func TestListener_CrossInstanceEvents(t *testing.T) {
	db := testDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	writer := NewStore(db, "", logger)
	reader := NewStore(db, "", logger)
	team := testTeam()

	received := make(chan orchestrator.TaskEvent, 4)
	unsubscribe := reader.Subscribe(team, func(ev orchestrator.TaskEvent) { received <- ev })
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reader.Run(ctx) }()

	// The listener connects asynchronously; keep writing until it hears us.
	deadline := time.After(10 * time.Second)
	for {
		task := seedTask(t, writer.TaskRepository, team)
		select {
		case ev := <-received:
			if ev.Type != orchestrator.EventCreated || ev.TeamID != team {
				t.Fatalf("event = %+v", ev)
			}
			if ev.Task.ID != task.ID && ev.Task.TeamID != team {
				t.Fatalf("event for unexpected task %s", ev.Task.ID)
			}
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received through LISTEN/NOTIFY")
		}
	}
}
