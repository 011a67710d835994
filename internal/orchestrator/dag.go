package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
)

// taskGetter is the read path the graph walks need.
type taskGetter interface {
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
}

// validateDependencies checks that every dependency exists in teamID and
// that adding edges newID -> deps cannot close a cycle. The walk starts at
// each dependency and follows depends-on edges looking for newID, with a
// visited set so a corrupted graph still terminates.
func validateDependencies(ctx context.Context, store taskGetter, teamID string, newID uuid.UUID, deps []uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(deps))
	for _, dep := range deps {
		if dep == newID {
			return &ValidationError{Field: "dependencies", Reason: "cycle: task depends on itself"}
		}
		if seen[dep] {
			return &ValidationError{Field: "dependencies", Reason: fmt.Sprintf("duplicate dependency %s", dep)}
		}
		seen[dep] = true

		t, err := store.GetTask(ctx, dep)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("dependency %s: %w", dep, ErrNotFound)
			}
			return fmt.Errorf("loading dependency %s: %w", dep, err)
		}
		if t.TeamID != teamID {
			return fmt.Errorf("dependency %s: %w", dep, ErrNotFound)
		}
	}

	visited := make(map[uuid.UUID]bool)
	var reaches func(id uuid.UUID) (bool, error)
	reaches = func(id uuid.UUID) (bool, error) {
		if id == newID {
			return true, nil
		}
		if visited[id] {
			return false, nil
		}
		visited[id] = true

		t, err := store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		for _, next := range t.Dependencies {
			found, err := reaches(next)
			if err != nil || found {
				return found, err
			}
		}
		return false, nil
	}

	for _, dep := range deps {
		found, err := reaches(dep)
		if err != nil {
			return fmt.Errorf("walking dependency graph: %w", err)
		}
		if found {
			return &ValidationError{Field: "dependencies", Reason: "cycle"}
		}
	}
	return nil
}

// ExecutionOrder returns task ids in an order where every task comes after
// its dependencies. Dependencies outside the given set are ignored. An error
// means the stored graph contains a cycle.
func ExecutionOrder(tasks []Task) ([]uuid.UUID, error) {
	inSet := make(map[uuid.UUID]bool, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		// Anchor every task so isolated nodes appear in the result.
		edges = append(edges, toposort.Edge{nil, t.ID})
		for _, dep := range t.Dependencies {
			if inSet[dep] {
				edges = append(edges, toposort.Edge{dep, t.ID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: task graph contains cycle: %v", ErrInvalidState, err)
	}

	order := make([]uuid.UUID, 0, len(tasks))
	for _, v := range sorted {
		if v == nil {
			continue
		}
		order = append(order, v.(uuid.UUID))
	}
	return order, nil
}

// FilterReadyTasks returns tasks from candidates whose dependencies
// are all in the completed set. This is a pure function for testing.
func FilterReadyTasks(candidates []Task, completed map[uuid.UUID]bool) []Task {
	var ready []Task
	for _, t := range candidates {
		allMet := true
		for _, dep := range t.Dependencies {
			if !completed[dep] {
				allMet = false
				break
			}
		}
		if allMet {
			ready = append(ready, t)
		}
	}
	return ready
}
