package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements TaskStore using in-memory maps.
// Used when no database is configured and in tests.
type InMemoryStore struct {
	mu         sync.RWMutex
	tasks      map[uuid.UUID]*Task
	runs       map[uuid.UUID]uuid.UUID   // run id -> task id
	dependents map[uuid.UUID][]uuid.UUID // task id -> tasks depending on it
	notifier   *Notifier
}

// NewInMemoryStore creates an empty in-memory task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:      make(map[uuid.UUID]*Task),
		runs:       make(map[uuid.UUID]uuid.UUID),
		dependents: make(map[uuid.UUID][]uuid.UUID),
		notifier:   NewNotifier(),
	}
}

func (s *InMemoryStore) CreateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task %s already exists", task.ID)
	}
	cp := task.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.tasks[cp.ID] = cp
	for _, dep := range cp.Dependencies {
		s.dependents[dep] = append(s.dependents[dep], cp.ID)
	}
	task.Version = cp.Version
	ev := TaskEvent{Type: EventCreated, TeamID: cp.TeamID, Task: *cp.Clone()}
	s.mu.Unlock()

	s.notifier.Publish(ev)
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task.Clone(), nil
}

func (s *InMemoryStore) GetTaskByRunID(_ context.Context, runID uuid.UUID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return s.tasks[id].Clone(), nil
}

func (s *InMemoryStore) ListTasks(_ context.Context, teamID string, filter TaskFilter) ([]Task, error) {
	s.mu.RLock()
	var result []Task
	for _, t := range s.tasks {
		if t.TeamID != teamID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		result = append(result, *t.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *InMemoryStore) ListDependents(_ context.Context, teamID string, id uuid.UUID) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Task
	for _, depID := range s.dependents[id] {
		t, ok := s.tasks[depID]
		if !ok || t.TeamID != teamID {
			continue
		}
		result = append(result, *t.Clone())
	}
	return result, nil
}

func (s *InMemoryStore) CountByStatus(_ context.Context, teamID string) (map[TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[TaskStatus]int, len(AllStatuses))
	for _, t := range s.tasks {
		if t.TeamID == teamID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) UpdateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	current, ok := s.tasks[task.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	if current.Version != task.Version {
		s.mu.Unlock()
		return fmt.Errorf("task %s at version %d: %w", task.ID, task.Version, ErrConflict)
	}

	previous := current.Status
	cp := task.Clone()
	cp.Version = current.Version + 1
	if cp.UpdatedAt.IsZero() || !cp.UpdatedAt.After(current.UpdatedAt) {
		cp.UpdatedAt = time.Now().UTC()
	}
	// Dependencies are immutable after creation.
	cp.Dependencies = current.Dependencies
	if current.TaskRunID != nil && (cp.TaskRunID == nil || *cp.TaskRunID != *current.TaskRunID) {
		delete(s.runs, *current.TaskRunID)
	}
	if cp.TaskRunID != nil {
		s.runs[*cp.TaskRunID] = cp.ID
	}
	s.tasks[cp.ID] = cp
	task.Version = cp.Version
	task.UpdatedAt = cp.UpdatedAt
	ev := TaskEvent{Type: EventUpdated, TeamID: cp.TeamID, Task: *cp.Clone(), Previous: previous}
	s.mu.Unlock()

	s.notifier.Publish(ev)
	return nil
}

func (s *InMemoryStore) ActiveTeams(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var teams []string
	for _, t := range s.tasks {
		if t.Status.Terminal() || seen[t.TeamID] {
			continue
		}
		seen[t.TeamID] = true
		teams = append(teams, t.TeamID)
	}
	sort.Strings(teams)
	return teams, nil
}

func (s *InMemoryStore) Subscribe(teamID string, fn func(TaskEvent)) func() {
	return s.notifier.Subscribe(teamID, fn)
}

// sortNewestFirst orders tasks by CreatedAt descending, id as tie-breaker.
func sortNewestFirst(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID.String() > tasks[j].ID.String()
	})
}

// sortByPriority orders tasks by priority ascending, then CreatedAt ascending.
func sortByPriority(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

var _ TaskStore = (*InMemoryStore)(nil)
