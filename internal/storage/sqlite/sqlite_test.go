package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "taskforge.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(team string, priority int, created time.Time, deps ...uuid.UUID) *orchestrator.Task {
	return &orchestrator.Task{
		ID:           uuid.New(),
		TeamID:       team,
		Prompt:       "write the migration",
		Status:       orchestrator.TaskPending,
		Priority:     priority,
		Dependencies: deps,
		Metadata:     map[string]any{"agentName": "reviewer"},
		CreatedAt:    created,
	}
}

func TestOpen_RejectsUnknownJournalMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(Config{Path: filepath.Join(t.TempDir(), "x.db"), JournalMode: "wal); DROP"}, logger)
	if err == nil {
		t.Fatal("expected error for unknown journal mode")
	}
}

func TestOpen_NilLogger(t *testing.T) {
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "quiet.db")}, nil)
	if err != nil {
		t.Fatalf("opening sqlite without a logger: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
}

func TestCreateTask_UnencodableMetadata(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := newTask("team-a", 3, time.Now().UTC())
	task.Metadata = map[string]any{"callback": func() {}}
	if err := s.CreateTask(ctx, task); err == nil {
		t.Fatal("expected error for metadata that cannot be encoded")
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Errorf("task stored despite bad metadata: %v", err)
	}

	ok := newTask("team-a", 3, time.Now().UTC())
	if err := s.CreateTask(ctx, ok); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok.Metadata["channel"] = make(chan int)
	if err := s.UpdateTask(ctx, ok); err == nil {
		t.Fatal("expected update error for metadata that cannot be encoded")
	}
	got, err := s.GetTask(ctx, ok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.RequestedAgent() != "reviewer" {
		t.Errorf("stored task changed by failed update: %+v", got)
	}
}

// --- Task Repository ---

func TestSQLite_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := newTask("team-a", 3, now)
	b := newTask("team-a", 3, now.Add(time.Second))
	c := newTask("team-a", 1, now.Add(2*time.Second), b.ID, a.ID)
	for _, task := range []*orchestrator.Task{a, b, c} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.GetTask(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Status != orchestrator.TaskPending || got.Priority != 1 {
		t.Errorf("got %+v", got)
	}
	if len(got.Dependencies) != 2 || got.Dependencies[0] != b.ID || got.Dependencies[1] != a.ID {
		t.Errorf("dependencies = %v, want declaration order [b a]", got.Dependencies)
	}
	if got.RequestedAgent() != "reviewer" {
		t.Errorf("metadata lost, requested agent = %q", got.RequestedAgent())
	}

	if _, err := s.GetTask(ctx, uuid.New()); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Errorf("missing task: got %v, want ErrNotFound", err)
	}
}

func TestSQLite_CompareAndSet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	task := newTask("team-a", 5, time.Now().UTC())
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := s.GetTask(ctx, task.ID)
	stale, _ := s.GetTask(ctx, task.ID)

	if err := orchestrator.Transition(first, orchestrator.TaskCancelled, time.Now().UTC()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.UpdateTask(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("version = %d, want 2", first.Version)
	}

	if err := orchestrator.Transition(stale, orchestrator.TaskAssigned, time.Now().UTC()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	stale.AssignedAgentName = "worker-1"
	if err := s.UpdateTask(ctx, stale); !errors.Is(err, orchestrator.ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != orchestrator.TaskCancelled || got.AssignedAgentName != "" || got.CompletedAt == nil {
		t.Errorf("stored task = %s/%q", got.Status, got.AssignedAgentName)
	}
	if len(got.Dependencies) != 0 {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
}

func TestSQLite_Queries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	root := newTask("team-a", 5, now)
	child := newTask("team-a", 5, now.Add(time.Second), root.ID)
	other := newTask("team-b", 5, now.Add(2*time.Second))
	for _, task := range []*orchestrator.Task{root, child, other} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	tasks, err := s.ListTasks(ctx, "team-a", orchestrator.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != child.ID {
		t.Errorf("list returned %d tasks, want newest first", len(tasks))
	}

	limited, _ := s.ListTasks(ctx, "team-a", orchestrator.TaskFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d tasks", len(limited))
	}

	dependents, err := s.ListDependents(ctx, "team-a", root.ID)
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(dependents) != 1 || dependents[0].ID != child.ID {
		t.Errorf("dependents = %v", dependents)
	}
	if cross, _ := s.ListDependents(ctx, "team-b", root.ID); len(cross) != 0 {
		t.Error("dependents leaked across teams")
	}

	// Move root to running so the run id index is exercised.
	got, _ := s.GetTask(ctx, root.ID)
	_ = orchestrator.Transition(got, orchestrator.TaskAssigned, now)
	got.AssignedAgentName = "worker-1"
	_ = orchestrator.Transition(got, orchestrator.TaskRunning, now)
	runID := uuid.New()
	got.TaskRunID = &runID
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	byRun, err := s.GetTaskByRunID(ctx, runID)
	if err != nil || byRun.ID != root.ID {
		t.Fatalf("by run id: %v", err)
	}

	counts, err := s.CountByStatus(ctx, "team-a")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[orchestrator.TaskRunning] != 1 || counts[orchestrator.TaskPending] != 1 {
		t.Errorf("counts = %v", counts)
	}

	running := orchestrator.TaskRunning
	filtered, _ := s.ListTasks(ctx, "team-a", orchestrator.TaskFilter{Status: &running})
	if len(filtered) != 1 || filtered[0].ID != root.ID {
		t.Errorf("status filter returned %d tasks", len(filtered))
	}

	teams, err := s.ActiveTeams(ctx)
	if err != nil {
		t.Fatalf("active teams: %v", err)
	}
	if len(teams) != 2 || teams[0] != "team-a" || teams[1] != "team-b" {
		t.Errorf("teams = %v", teams)
	}
}

func TestSQLite_Events(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []orchestrator.TaskEvent
	unsubscribe := s.Subscribe("team-a", func(ev orchestrator.TaskEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	task := newTask("team-a", 5, time.Now().UTC())
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	_ = orchestrator.Transition(got, orchestrator.TaskCancelled, time.Now().UTC())
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].Previous != orchestrator.TaskPending || events[1].Task.Status != orchestrator.TaskCancelled {
		t.Errorf("update event %s -> %s", events[1].Previous, events[1].Task.Status)
	}
}

// --- Engine over SQLite ---

type oneWorker struct{}

func (oneWorker) Available(context.Context) ([]orchestrator.Worker, error) {
	return []orchestrator.Worker{{Name: "worker-1", Capabilities: []string{"reviewer"}, FreeSlots: 4}}, nil
}
func (oneWorker) Assign(context.Context, string, orchestrator.Assignment) error { return nil }
func (oneWorker) CancelRun(context.Context, string, uuid.UUID, string) error    { return nil }

func TestSQLite_EngineLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	engine := orchestrator.NewEngine(s, oneWorker{}, nil, nil, nil, orchestrator.EngineConfig{})

	a, err := engine.CreateTask(ctx, orchestrator.CreateTaskRequest{TeamID: "team-a", Prompt: "build", Priority: 2})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := engine.CreateTask(ctx, orchestrator.CreateTaskRequest{TeamID: "team-a", Prompt: "deploy", Priority: 1, Dependencies: []uuid.UUID{a.ID}})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	sched := orchestrator.NewScheduler("team-a", s, oneWorker{}, orchestrator.SchedulerConfig{}, nil, nil)
	res, err := sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Assigned != 1 {
		t.Fatalf("assigned = %d, want 1 (b is blocked)", res.Assigned)
	}

	running, err := engine.AcknowledgeAssignment(ctx, "team-a", a.ID, "worker-1")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := engine.SendMessage(ctx, "team-a", *running.TaskRunID, orchestrator.MessageStatus, "how is it going?"); err != nil {
		t.Fatalf("message: %v", err)
	}
	if _, err := engine.CompleteTask(ctx, "team-a", a.ID, "worker-1", "built"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ready, err := engine.IsReady(ctx, "team-a", b.ID)
	if err != nil || !ready {
		t.Fatalf("b ready = %v, %v", ready, err)
	}

	outcomes, err := engine.CancelTask(ctx, "team-a", a.ID, true)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Changed {
		t.Errorf("cancelling a completed task changed state: %+v", outcomes)
	}

	summary, err := engine.Summarize(ctx, "team-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalTasks != 2 || summary.StatusCounts[orchestrator.TaskCompleted] != 1 {
		t.Errorf("summary = %+v", summary)
	}
}
