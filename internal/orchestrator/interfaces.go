package orchestrator

import (
	"context"

	"github.com/google/uuid"
)

// TaskStore persists task state.
// Implementations: in-memory, sqlite, or postgres-backed.
type TaskStore interface {
	// CreateTask inserts a new task. Validation happens in the Engine.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns a copy of the task regardless of team; the Engine
	// enforces team scope. Returns ErrNotFound if absent.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// GetTaskByRunID finds the task whose current run has the given id.
	GetTaskByRunID(ctx context.Context, runID uuid.UUID) (*Task, error)

	// ListTasks returns a team's tasks ordered by CreatedAt descending.
	ListTasks(ctx context.Context, teamID string, filter TaskFilter) ([]Task, error)

	// ListDependents returns tasks that list id among their dependencies.
	ListDependents(ctx context.Context, teamID string, id uuid.UUID) ([]Task, error)

	// CountByStatus returns per-status task counts for a team.
	CountByStatus(ctx context.Context, teamID string) (map[TaskStatus]int, error)

	// UpdateTask commits task only if the stored Version still equals
	// task.Version, then increments it. A stale write returns ErrConflict.
	UpdateTask(ctx context.Context, task *Task) error

	// ActiveTeams returns teams that have at least one non-terminal task.
	ActiveTeams(ctx context.Context) ([]string, error)

	// Subscribe registers fn for change notifications on a team ("" = all
	// teams). The returned func removes the subscription.
	Subscribe(teamID string, fn func(TaskEvent)) (unsubscribe func())
}

// Worker is an agent able to take assignments.
type Worker struct {
	Name         string
	Capabilities []string
	FreeSlots    int // Remaining parallel capacity; <= 0 means full.
}

// Matches reports whether the worker can serve a request for agentName.
// An empty request matches any worker.
func (w Worker) Matches(agentName string) bool {
	if agentName == "" {
		return true
	}
	if w.Name == agentName {
		return true
	}
	for _, c := range w.Capabilities {
		if c == agentName {
			return true
		}
	}
	return false
}

// AgentRegistry is the external collaborator that knows which agents are
// connected and how to reach them.
type AgentRegistry interface {
	// Available lists workers that can accept an assignment right now.
	Available(ctx context.Context) ([]Worker, error)

	// Assign delivers an assignment offer to the named agent.
	Assign(ctx context.Context, agentName string, a Assignment) error

	// CancelRun asks the agent to stop working on a task. Best effort.
	CancelRun(ctx context.Context, agentName string, taskID uuid.UUID, reason string) error
}

// Deliverer hands a mailbox message to the agent's inbound channel.
// Delivery is at-most-once; errors are logged by the router, not returned
// to callers.
type Deliverer interface {
	Deliver(ctx context.Context, agentName string, msg Message) error
}
