package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CascadeCanceler cancels a task and optionally every task that depends on
// it, directly or transitively. The walk only follows depends-on-me edges;
// a task's own dependencies are never touched.
type CascadeCanceler struct {
	store    TaskStore
	registry AgentRegistry // Optional; used to signal running agents.
	retry    RetryConfig
	logger   *slog.Logger
	metrics  *SchedulerMetrics
	now      func() time.Time
}

// NewCascadeCanceler creates a canceler. registry may be nil.
func NewCascadeCanceler(store TaskStore, registry AgentRegistry, retry RetryConfig, logger *slog.Logger, metrics *SchedulerMetrics) *CascadeCanceler {
	if logger == nil {
		logger = discardLogger()
	}
	return &CascadeCanceler{
		store:    store,
		registry: registry,
		retry:    retry,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Cancel cancels id and, when cascade is true, its transitive dependents.
//
// Cancelling a completed or failed task is a no-op that returns its current
// state, and no dependents are visited. Re-running a cascade whose root is
// already cancelled walks the dependents again, so an interrupted cascade
// can be resumed. Each cancellation is an independent compare-and-set; a
// failure on one dependent is reported in its outcome and the walk goes on.
func (c *CascadeCanceler) Cancel(ctx context.Context, teamID string, id uuid.UUID, cascade bool) ([]CancelOutcome, error) {
	root, err := c.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if root.TeamID != teamID {
		return nil, fmt.Errorf("task %s: %w", id, ErrForbidden)
	}

	first, err := c.cancelOne(ctx, id, "cancelled by caller")
	if err != nil {
		return nil, err
	}
	outcomes := []CancelOutcome{first}
	if c.metrics != nil && first.Changed {
		c.metrics.CancellationsTotal.WithLabelValues("direct").Inc()
	}

	if !cascade || first.Status != TaskCancelled {
		return outcomes, nil
	}

	visited := map[uuid.UUID]bool{id: true}
	queue := []uuid.UUID{id}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		current := queue[0]
		queue = queue[1:]

		dependents, err := c.store.ListDependents(ctx, teamID, current)
		if err != nil {
			c.logger.WarnContext(ctx, "listing dependents during cascade",
				slog.String("task_id", current.String()),
				slog.String("error", err.Error()),
			)
			outcomes = append(outcomes, CancelOutcome{TaskID: current, Error: "listing dependents: " + err.Error()})
			continue
		}

		for _, dep := range dependents {
			if visited[dep.ID] {
				continue
			}
			visited[dep.ID] = true
			queue = append(queue, dep.ID)

			out, err := c.cancelOne(ctx, dep.ID, fmt.Sprintf("dependency %s cancelled", id))
			if err != nil {
				out = CancelOutcome{
					TaskID:         dep.ID,
					PreviousStatus: dep.Status,
					Status:         dep.Status,
					Error:          err.Error(),
				}
			}
			if c.metrics != nil && out.Changed {
				c.metrics.CancellationsTotal.WithLabelValues("cascade").Inc()
			}
			outcomes = append(outcomes, out)
		}
	}

	c.logger.InfoContext(ctx, "cascade cancellation finished",
		slog.String("task_id", id.String()),
		slog.String("team_id", teamID),
		slog.Int("visited", len(visited)),
	)
	return outcomes, nil
}

// cancelOne moves a single non-terminal task to cancelled. Terminal tasks
// are left untouched and reported with Changed=false.
func (c *CascadeCanceler) cancelOne(ctx context.Context, id uuid.UUID, reason string) (CancelOutcome, error) {
	var previous TaskStatus
	var agent string

	task, changed, err := mutateTask(ctx, c.store, id, c.retry, c.metrics, func(t *Task) error {
		previous = t.Status
		agent = t.AssignedAgentName
		if t.Status.Terminal() {
			return errNoChange
		}
		return Transition(t, TaskCancelled, c.now())
	})
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("cancelling task %s: %w", id, err)
	}

	if changed {
		c.metrics.transition(previous, TaskCancelled)
		c.logger.InfoContext(ctx, "task cancelled",
			slog.String("task_id", id.String()),
			slog.String("previous_status", string(previous)),
		)
		if previous.Active() && agent != "" {
			c.signalAgent(agent, id, reason)
		}
	}

	return CancelOutcome{
		TaskID:         id,
		PreviousStatus: previous,
		Status:         task.Status,
		Changed:        changed,
	}, nil
}

// signalAgent asks the agent to stop without making the caller wait.
func (c *CascadeCanceler) signalAgent(agent string, id uuid.UUID, reason string) {
	if c.registry == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.registry.CancelRun(ctx, agent, id, reason); err != nil {
			c.logger.Warn("signalling agent to stop",
				slog.String("task_id", id.String()),
				slog.String("agent", agent),
				slog.String("error", err.Error()),
			)
		}
	}()
}
