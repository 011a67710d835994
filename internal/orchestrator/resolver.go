package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DependencyResolver computes readiness and blocking information.
//
// A dependency that failed or was cancelled never becomes completed, so its
// dependents stay pending and not ready until a caller cancels them.
// Failure is not propagated automatically.
type DependencyResolver struct {
	store taskGetter
}

// NewDependencyResolver creates a resolver reading through store.
func NewDependencyResolver(store TaskStore) *DependencyResolver {
	return &DependencyResolver{store: store}
}

// Info returns counts and the list of dependencies that are not completed.
// A dependency that no longer exists is reported as blocking with an empty status.
func (r *DependencyResolver) Info(ctx context.Context, task *Task) (*DependencyInfo, error) {
	return r.info(ctx, task, nil)
}

// IsReady reports whether every dependency of task is completed.
func (r *DependencyResolver) IsReady(ctx context.Context, task *Task) (bool, error) {
	return r.isReady(ctx, task, nil)
}

// isReady uses cache (may be nil) to avoid reloading the same dependency
// for many candidates within one scheduler cycle.
func (r *DependencyResolver) isReady(ctx context.Context, task *Task, cache map[uuid.UUID]TaskStatus) (bool, error) {
	for _, dep := range task.Dependencies {
		status, err := r.statusOf(ctx, dep, cache)
		if err != nil {
			return false, err
		}
		if status != TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (r *DependencyResolver) info(ctx context.Context, task *Task, cache map[uuid.UUID]TaskStatus) (*DependencyInfo, error) {
	info := &DependencyInfo{
		TotalDeps: len(task.Dependencies),
		BlockedBy: []BlockingTask{},
	}
	for _, dep := range task.Dependencies {
		t, err := r.store.GetTask(ctx, dep)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				info.PendingDeps++
				info.BlockedBy = append(info.BlockedBy, BlockingTask{ID: dep})
				continue
			}
			return nil, fmt.Errorf("loading dependency %s: %w", dep, err)
		}
		if cache != nil {
			cache[dep] = t.Status
		}
		if t.Status == TaskCompleted {
			info.CompletedDeps++
			continue
		}
		info.PendingDeps++
		info.BlockedBy = append(info.BlockedBy, BlockingTask{
			ID:     t.ID,
			Status: t.Status,
			Prompt: t.Prompt,
		})
	}
	return info, nil
}

func (r *DependencyResolver) statusOf(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]TaskStatus) (TaskStatus, error) {
	if cache != nil {
		if st, ok := cache[id]; ok {
			return st, nil
		}
	}
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("loading dependency %s: %w", id, err)
	}
	if cache != nil {
		cache[id] = t.Status
	}
	return t.Status, nil
}
