package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// RetryConfig bounds the optimistic-concurrency retry loop.
type RetryConfig struct {
	InitialInterval time.Duration // Default: 5ms.
	MaxInterval     time.Duration // Default: 250ms.
	MaxElapsedTime  time.Duration // Default: 5s.
}

func (c RetryConfig) initialInterval() time.Duration {
	if c.InitialInterval > 0 {
		return c.InitialInterval
	}
	return 5 * time.Millisecond
}

func (c RetryConfig) maxInterval() time.Duration {
	if c.MaxInterval > 0 {
		return c.MaxInterval
	}
	return 250 * time.Millisecond
}

func (c RetryConfig) maxElapsedTime() time.Duration {
	if c.MaxElapsedTime > 0 {
		return c.MaxElapsedTime
	}
	return 5 * time.Second
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval()
	b.MaxInterval = c.maxInterval()
	b.MaxElapsedTime = c.maxElapsedTime()
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5
	return backoff.WithContext(b, ctx)
}

// errNoChange is returned by a mutation to signal the task is already in
// the desired state and nothing should be written.
var errNoChange = errors.New("no change")

// mutateTask applies fn to the latest copy of a task and commits it with a
// compare-and-set. Lost races reload and re-apply fn. If fn returns
// errNoChange the current task is returned without a write and changed is false.
func mutateTask(
	ctx context.Context,
	store TaskStore,
	id uuid.UUID,
	cfg RetryConfig,
	metrics *SchedulerMetrics,
	fn func(t *Task) error,
) (task *Task, changed bool, err error) {
	operation := func() error {
		current, err := store.GetTask(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(current); err != nil {
			if errors.Is(err, errNoChange) {
				task, changed = current, false
				return nil
			}
			return backoff.Permanent(err)
		}
		if err := store.UpdateTask(ctx, current); err != nil {
			if errors.Is(err, ErrConflict) {
				if metrics != nil {
					metrics.ConflictsTotal.Inc()
				}
				return err
			}
			return backoff.Permanent(err)
		}
		task, changed = current, true
		return nil
	}

	if err := backoff.Retry(operation, cfg.policy(ctx)); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, false, fmt.Errorf("updating task %s: retries exhausted: %w", id, err)
		}
		return nil, false, err
	}
	return task, changed, nil
}
