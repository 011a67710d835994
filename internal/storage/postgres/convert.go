package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

func toTaskModel(t *orchestrator.Task) (TaskModel, error) {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return TaskModel{}, fmt.Errorf("encoding metadata of task %s: %w", t.ID, err)
	}
	if string(metadata) == "null" {
		metadata = []byte("{}")
	}
	deps := make([]TaskDependencyModel, len(t.Dependencies))
	for i, dep := range t.Dependencies {
		deps[i] = TaskDependencyModel{TaskID: t.ID, DependsOnID: dep, Position: i}
	}
	return TaskModel{
		ID:                t.ID,
		TeamID:            t.TeamID,
		Prompt:            t.Prompt,
		Status:            string(t.Status),
		Priority:          t.Priority,
		AssignedAgentName: t.AssignedAgentName,
		TaskRunID:         t.TaskRunID,
		Result:            t.Result,
		ErrorMessage:      t.ErrorMessage,
		Metadata:          JSONB(metadata),
		Version:           t.Version,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		AssignedAt:        t.AssignedAt,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
		Dependencies:      deps,
	}, nil
}

func toTaskDomain(m *TaskModel) *orchestrator.Task {
	var metadata map[string]any
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &metadata)
	}
	var deps []uuid.UUID
	if len(m.Dependencies) > 0 {
		deps = make([]uuid.UUID, len(m.Dependencies))
		for i, d := range m.Dependencies {
			deps[i] = d.DependsOnID
		}
	}
	return &orchestrator.Task{
		ID:                m.ID,
		TeamID:            m.TeamID,
		Prompt:            m.Prompt,
		Status:            orchestrator.TaskStatus(m.Status),
		Priority:          m.Priority,
		Dependencies:      deps,
		AssignedAgentName: m.AssignedAgentName,
		TaskRunID:         m.TaskRunID,
		Result:            m.Result,
		ErrorMessage:      m.ErrorMessage,
		Metadata:          metadata,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
		AssignedAt:        utcPtr(m.AssignedAt),
		StartedAt:         utcPtr(m.StartedAt),
		CompletedAt:       utcPtr(m.CompletedAt),
		Version:           m.Version,
	}
}

// mutableColumns lists every column UpdateTask may write. Zero values are
// written too, which is why updates go through a map and not a struct.
func mutableColumns(m *TaskModel) map[string]any {
	return map[string]any{
		"status":              m.Status,
		"priority":            m.Priority,
		"prompt":              m.Prompt,
		"assigned_agent_name": m.AssignedAgentName,
		"task_run_id":         m.TaskRunID,
		"result":              m.Result,
		"error_message":       m.ErrorMessage,
		"metadata":            m.Metadata,
		"updated_at":          m.UpdatedAt,
		"assigned_at":         m.AssignedAt,
		"started_at":          m.StartedAt,
		"completed_at":        m.CompletedAt,
		"version":             m.Version + 1,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
