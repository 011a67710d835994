package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// EventChannel is the PostgreSQL NOTIFY channel carrying task changes.
const EventChannel = "taskforge_task_events"

// eventPayload is the NOTIFY body. NOTIFY payloads are capped at 8000
// bytes, so listeners reload the task by id instead of receiving it.
type eventPayload struct {
	Type     orchestrator.EventType  `json:"type"`
	TeamID   string                  `json:"team_id"`
	TaskID   uuid.UUID               `json:"task_id"`
	Previous orchestrator.TaskStatus `json:"previous,omitempty"`
}

// TaskRepository implements orchestrator.TaskStore with GORM.
//
// When notifyChannel is set (PostgreSQL), every write issues pg_notify in
// the same transaction and events reach subscribers through a Listener,
// on every instance. Otherwise (SQLite) events are published in-process
// after commit.
type TaskRepository struct {
	db            *gorm.DB
	events        *orchestrator.Notifier
	notifyChannel string
}

// NewTaskRepository creates a repository that publishes events in-process.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db, events: orchestrator.NewNotifier()}
}

// NewNotifyingTaskRepository creates a repository that publishes events
// through PostgreSQL NOTIFY on channel.
func NewNotifyingTaskRepository(db *gorm.DB, channel string) *TaskRepository {
	return &TaskRepository{db: db, events: orchestrator.NewNotifier(), notifyChannel: channel}
}

// Events exposes the repository's notifier so a Listener can publish into it.
func (r *TaskRepository) Events() *orchestrator.Notifier {
	return r.events
}

func (r *TaskRepository) CreateTask(ctx context.Context, task *orchestrator.Task) error {
	if task.Version == 0 {
		task.Version = 1
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	model, err := toTaskModel(task)
	if err != nil {
		return err
	}
	deps := model.Dependencies
	model.Dependencies = nil

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		if len(deps) > 0 {
			if err := tx.Create(&deps).Error; err != nil {
				return fmt.Errorf("creating task dependencies: %w", err)
			}
		}
		return r.notify(tx, eventPayload{Type: orchestrator.EventCreated, TeamID: task.TeamID, TaskID: task.ID})
	})
	if err != nil {
		return err
	}

	if r.notifyChannel == "" {
		r.events.Publish(orchestrator.TaskEvent{Type: orchestrator.EventCreated, TeamID: task.TeamID, Task: *task.Clone()})
	}
	return nil
}

func (r *TaskRepository) GetTask(ctx context.Context, id uuid.UUID) (*orchestrator.Task, error) {
	var model TaskModel
	err := r.db.WithContext(ctx).
		Scopes(orderedDependencies).
		First(&model, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "task %s", id)
	}
	return toTaskDomain(&model), nil
}

func (r *TaskRepository) GetTaskByRunID(ctx context.Context, runID uuid.UUID) (*orchestrator.Task, error) {
	var model TaskModel
	err := r.db.WithContext(ctx).
		Scopes(orderedDependencies).
		First(&model, "task_run_id = ?", runID).Error
	if err != nil {
		return nil, notFound(err, "run %s", runID)
	}
	return toTaskDomain(&model), nil
}

func (r *TaskRepository) ListTasks(ctx context.Context, teamID string, filter orchestrator.TaskFilter) ([]orchestrator.Task, error) {
	q := r.db.WithContext(ctx).
		Scopes(TeamScope(teamID), StatusScope(filter.Status), orderedDependencies).
		Order("created_at DESC").
		Order("id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []TaskModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks for team %s: %w", teamID, err)
	}
	return toTaskDomains(models), nil
}

func (r *TaskRepository) ListDependents(ctx context.Context, teamID string, id uuid.UUID) ([]orchestrator.Task, error) {
	dependents := r.db.Model(&TaskDependencyModel{}).
		Select("task_id").
		Where("depends_on_id = ?", id)

	var models []TaskModel
	err := r.db.WithContext(ctx).
		Scopes(TeamScope(teamID), orderedDependencies).
		Where("id IN (?)", dependents).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing dependents of %s: %w", id, err)
	}
	return toTaskDomains(models), nil
}

func (r *TaskRepository) CountByStatus(ctx context.Context, teamID string) (map[orchestrator.TaskStatus]int, error) {
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Scopes(TeamScope(teamID)).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting tasks for team %s: %w", teamID, err)
	}
	counts := make(map[orchestrator.TaskStatus]int, len(rows))
	for _, row := range rows {
		counts[orchestrator.TaskStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// UpdateTask writes every mutable column with a compare-and-set on version.
// Dependencies are immutable and never rewritten.
func (r *TaskRepository) UpdateTask(ctx context.Context, task *orchestrator.Task) error {
	model, err := toTaskModel(task)
	if err != nil {
		return err
	}
	var previous string

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current TaskModel
		if err := tx.Select("status", "version").First(&current, "id = ?", task.ID).Error; err != nil {
			return notFound(err, "task %s", task.ID)
		}
		if current.Version != task.Version {
			return fmt.Errorf("task %s at version %d: %w", task.ID, task.Version, orchestrator.ErrConflict)
		}
		previous = current.Status

		res := tx.Model(&TaskModel{}).
			Where("id = ? AND version = ?", task.ID, task.Version).
			Updates(mutableColumns(&model))
		if res.Error != nil {
			return fmt.Errorf("updating task %s: %w", task.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("task %s at version %d: %w", task.ID, task.Version, orchestrator.ErrConflict)
		}
		return r.notify(tx, eventPayload{
			Type:     orchestrator.EventUpdated,
			TeamID:   task.TeamID,
			TaskID:   task.ID,
			Previous: orchestrator.TaskStatus(previous),
		})
	})
	if err != nil {
		return err
	}

	task.Version++
	if r.notifyChannel == "" {
		r.events.Publish(orchestrator.TaskEvent{
			Type:     orchestrator.EventUpdated,
			TeamID:   task.TeamID,
			Task:     *task.Clone(),
			Previous: orchestrator.TaskStatus(previous),
		})
	}
	return nil
}

func (r *TaskRepository) ActiveTeams(ctx context.Context) ([]string, error) {
	var teams []string
	err := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("status IN ?", []string{
			string(orchestrator.TaskPending),
			string(orchestrator.TaskAssigned),
			string(orchestrator.TaskRunning),
		}).
		Distinct().
		Pluck("team_id", &teams).Error
	if err != nil {
		return nil, fmt.Errorf("listing active teams: %w", err)
	}
	sort.Strings(teams)
	return teams, nil
}

func (r *TaskRepository) Subscribe(teamID string, fn func(orchestrator.TaskEvent)) func() {
	return r.events.Subscribe(teamID, fn)
}

// notify issues pg_notify inside tx. Notifications are delivered on commit
// and dropped on rollback.
func (r *TaskRepository) notify(tx *gorm.DB, ev eventPayload) error {
	if r.notifyChannel == "" {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding task event: %w", err)
	}
	if err := tx.Exec("SELECT pg_notify(?, ?)", r.notifyChannel, string(payload)).Error; err != nil {
		return fmt.Errorf("notifying task event: %w", err)
	}
	return nil
}

func toTaskDomains(models []TaskModel) []orchestrator.Task {
	tasks := make([]orchestrator.Task, len(models))
	for i := range models {
		tasks[i] = *toTaskDomain(&models[i])
	}
	return tasks
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, orchestrator.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// compile-time interface check
var _ orchestrator.TaskStore = (*TaskRepository)(nil)
