// Package orchestrator implements dependency-aware task orchestration for
// a fleet of coding agents. Callers enqueue prompts with a priority and an
// optional set of dependencies; a per-team scheduler assigns ready tasks to
// available agents, and agents report progress back through the Engine.
//
// All mutations are single-record compare-and-set writes validated against
// the status transition table. No lock is ever held over the task graph.
package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned" // Offered to an agent, awaiting ack.
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskPending,
	TaskAssigned,
	TaskRunning,
	TaskCompleted,
	TaskFailed,
	TaskCancelled,
}

// ParseStatus validates a caller-supplied status string.
func ParseStatus(s string) (TaskStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "status", Reason: "unknown status " + s}
}

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Active reports whether an agent currently holds the task.
func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskRunning
}

// Priority bounds. Lower = higher priority.
const (
	MinPriority = 1
	MaxPriority = 10
)

// MetadataAgentName is the metadata key a caller uses to request a specific agent.
const MetadataAgentName = "agentName"

// Task is a single unit of work submitted by a team.
type Task struct {
	ID                uuid.UUID      `json:"id"`
	TeamID            string         `json:"team_id"`
	Prompt            string         `json:"prompt"`
	Status            TaskStatus     `json:"status"`
	Priority          int            `json:"priority"`                      // 1 (highest) .. 10 (lowest).
	Dependencies      []uuid.UUID    `json:"dependencies"`                  // Tasks that must complete before this one is ready.
	AssignedAgentName string         `json:"assigned_agent_name,omitempty"` // Set iff status is assigned or running.
	TaskRunID         *uuid.UUID     `json:"task_run_id,omitempty"`         // Set once an agent has acknowledged the assignment.
	Result            string         `json:"result,omitempty"`              // Only on completed.
	ErrorMessage      string         `json:"error_message,omitempty"`       // Only on failed.
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	AssignedAt        *time.Time     `json:"assigned_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`

	// Version is the optimistic concurrency token. Stores increment it on
	// every successful update and reject writes carrying a stale value.
	Version int64 `json:"version"`
}

// RequestedAgent returns the agent name requested through metadata, if any.
func (t *Task) RequestedAgent() string {
	if t.Metadata == nil {
		return ""
	}
	name, _ := t.Metadata[MetadataAgentName].(string)
	return name
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = make([]uuid.UUID, len(t.Dependencies))
		copy(cp.Dependencies, t.Dependencies)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.TaskRunID = cloneUUID(t.TaskRunID)
	cp.AssignedAt = cloneTime(t.AssignedAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// CreateTaskRequest is the input to create a new task.
type CreateTaskRequest struct {
	TeamID       string
	Prompt       string
	Priority     int
	Dependencies []uuid.UUID
	Metadata     map[string]any
}

// TaskFilter narrows ListTasks results. Limit 0 means no limit inside the
// process; the Engine clamps caller-facing limits.
type TaskFilter struct {
	Status *TaskStatus
	Limit  int
}

// BlockingTask describes a dependency that is not yet completed.
type BlockingTask struct {
	ID     uuid.UUID  `json:"id"`
	Status TaskStatus `json:"status"`
	Prompt string     `json:"prompt"`
}

// DependencyInfo summarizes the state of a task's dependencies.
type DependencyInfo struct {
	TotalDeps     int            `json:"total_deps"`
	CompletedDeps int            `json:"completed_deps"`
	PendingDeps   int            `json:"pending_deps"`
	BlockedBy     []BlockingTask `json:"blocked_by"`
}

// MessageType classifies mailbox messages sent to a running agent.
type MessageType string

const (
	MessageRequest MessageType = "request" // Ask the agent to act mid-run.
	MessageStatus  MessageType = "status"  // Informational only.
	MessageHandoff MessageType = "handoff" // Ownership is moving; reassignment is a separate call.
)

// ParseMessageType validates a caller-supplied message type.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageRequest, MessageStatus, MessageHandoff:
		return MessageType(s), nil
	}
	return "", &ValidationError{Field: "message_type", Reason: "unknown message type " + s}
}

// Message is an ephemeral directive for the agent executing a task run.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	TeamID    string      `json:"team_id"`
	TaskID    uuid.UUID   `json:"task_id"`
	TaskRunID uuid.UUID   `json:"task_run_id"`
	Type      MessageType `json:"message_type"`
	Body      string      `json:"body"`
	SentAt    time.Time   `json:"sent_at"`
}

// Assignment is what an agent receives when the scheduler offers it a task.
type Assignment struct {
	TaskID   uuid.UUID
	TeamID   string
	Prompt   string
	Priority int
	Metadata map[string]any
	Deadline time.Time // Ack must arrive before this instant.
}

// CancelOutcome reports what happened to one task during cancellation.
type CancelOutcome struct {
	TaskID         uuid.UUID  `json:"task_id"`
	PreviousStatus TaskStatus `json:"previous_status"`
	Status         TaskStatus `json:"status"`
	Changed        bool       `json:"changed"`
	Error          string     `json:"error,omitempty"`
}

// Summary is the aggregate health view over a team's tasks.
type Summary struct {
	TeamID           string             `json:"team_id"`
	TotalTasks       int                `json:"total_tasks"`
	StatusCounts     map[TaskStatus]int `json:"status_counts"`
	ActiveAgentCount int                `json:"active_agent_count"`
	ActiveAgents     []string           `json:"active_agents"`
	RecentTasks      []Task             `json:"recent_tasks"`
	GeneratedAt      time.Time          `json:"generated_at"`
}

// EventType classifies task change notifications.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// TaskEvent is delivered to subscribers after a task change commits.
type TaskEvent struct {
	Type     EventType  `json:"type"`
	TeamID   string     `json:"team_id"`
	Task     Task       `json:"task"`
	Previous TaskStatus `json:"previous,omitempty"` // Empty for EventCreated.
}
