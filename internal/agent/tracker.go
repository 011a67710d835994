package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState is the gateway-side view of an offer made to an agent.
type RunState string

const (
	RunDispatched RunState = "dispatched" // Offer sent, awaiting task.accepted.
	RunAccepted   RunState = "accepted"   // Agent acknowledged; it is working on the task.
)

// TrackedRun is one in-flight offer or run held by a connected agent.
type TrackedRun struct {
	TaskID       uuid.UUID
	TeamID       string
	Agent        string
	State        RunState
	DispatchedAt time.Time
	AcceptedAt   time.Time
}

// TaskTracker counts what each agent is holding so the registry can report
// free capacity. It is bookkeeping only: the task store stays the source of
// truth for task status.
type TaskTracker struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*TrackedRun
	now    func() time.Time
	logger *slog.Logger
}

// NewTaskTracker creates an empty tracker.
func NewTaskTracker(logger *slog.Logger) *TaskTracker {
	return &TaskTracker{
		runs:   make(map[uuid.UUID]*TrackedRun),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Track records an offer sent to agent. A repeated offer for the same task
// (after an ack timeout, possibly to another agent) replaces the old entry.
func (t *TaskTracker) Track(taskID uuid.UUID, teamID, agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs[taskID] = &TrackedRun{
		TaskID:       taskID,
		TeamID:       teamID,
		Agent:        agent,
		State:        RunDispatched,
		DispatchedAt: t.now(),
	}
}

// MarkAccepted moves a dispatched offer to accepted. It returns false when
// the task is unknown or was offered to a different agent.
func (t *TaskTracker) MarkAccepted(taskID uuid.UUID, agent string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[taskID]
	if !ok || run.Agent != agent {
		return false
	}
	if run.State == RunDispatched {
		run.State = RunAccepted
		run.AcceptedAt = t.now()
		t.logger.Debug("task accepted",
			slog.String("task_id", taskID.String()),
			slog.String("agent", agent),
			slog.String("ack_latency", run.AcceptedAt.Sub(run.DispatchedAt).String()),
		)
	}
	return true
}

// Get returns a copy of the tracked run for taskID.
func (t *TaskTracker) Get(taskID uuid.UUID) (TrackedRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[taskID]
	if !ok {
		return TrackedRun{}, false
	}
	return *run, true
}

// Remove forgets a task. It reports whether anything was removed.
func (t *TaskTracker) Remove(taskID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[taskID]
	delete(t.runs, taskID)
	return ok
}

// RemoveAgent forgets everything held by agent and returns how many runs
// were dropped.
func (t *TaskTracker) RemoveAgent(agent string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, run := range t.runs {
		if run.Agent == agent {
			delete(t.runs, id)
			n++
		}
	}
	return n
}

// ActiveFor returns the number of offers and runs held by agent.
func (t *TaskTracker) ActiveFor(agent string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, run := range t.runs {
		if run.Agent == agent {
			n++
		}
	}
	return n
}

// ExpireUnacknowledged drops offers that were not accepted within
// ackTimeout. The scheduler requeues those tasks on its own; this only
// releases the capacity they were holding.
func (t *TaskTracker) ExpireUnacknowledged(ackTimeout time.Duration) []TrackedRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := t.now().Add(-ackTimeout)
	var expired []TrackedRun
	for id, run := range t.runs {
		if run.State == RunDispatched && run.DispatchedAt.Before(deadline) {
			expired = append(expired, *run)
			delete(t.runs, id)
			t.logger.Warn("task offer expired without acknowledgment",
				slog.String("task_id", id.String()),
				slog.String("agent", run.Agent),
			)
		}
	}
	return expired
}

// Len returns the number of tracked runs.
func (t *TaskTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.runs)
}
