package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SchedulerConfig configures the per-team assignment loop.
type SchedulerConfig struct {
	PollInterval           time.Duration // Fallback cycle interval. Default: 2s.
	AckTimeout             time.Duration // Assigned tasks requeue after this. Default: 30s.
	MaxAssignmentsPerCycle int           // Default: 50.
	Retry                  RetryConfig
}

func (c SchedulerConfig) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 2 * time.Second
}

func (c SchedulerConfig) ackTimeout() time.Duration {
	if c.AckTimeout > 0 {
		return c.AckTimeout
	}
	return 30 * time.Second
}

func (c SchedulerConfig) maxAssignments() int {
	if c.MaxAssignmentsPerCycle > 0 {
		return c.MaxAssignmentsPerCycle
	}
	return 50
}

// CycleResult reports what one scheduler cycle did.
type CycleResult struct {
	Requeued  int // Assigned tasks whose ack window expired.
	Ready     int // Ready pending tasks considered.
	Assigned  int // Tasks moved to assigned this cycle.
	Conflicts int // Candidates skipped because another writer won.
}

// Scheduler assigns a single team's ready tasks to available agents.
// It is safe to run several schedulers for the same team: every write is a
// compare-and-set, so a lost race only means the candidate is skipped.
type Scheduler struct {
	teamID   string
	store    TaskStore
	registry AgentRegistry
	resolver *DependencyResolver
	config   SchedulerConfig
	logger   *slog.Logger
	metrics  *SchedulerMetrics

	trigger chan struct{}
	now     func() time.Time
}

// NewScheduler creates a scheduler for teamID.
func NewScheduler(teamID string, store TaskStore, registry AgentRegistry, cfg SchedulerConfig, logger *slog.Logger, metrics *SchedulerMetrics) *Scheduler {
	if logger == nil {
		logger = discardLogger()
	}
	return &Scheduler{
		teamID:   teamID,
		store:    store,
		registry: registry,
		resolver: NewDependencyResolver(store),
		config:   cfg,
		logger:   logger.With(slog.String("team_id", teamID)),
		metrics:  metrics,
		trigger:  make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TeamID returns the team this scheduler serves.
func (s *Scheduler) TeamID() string { return s.teamID }

// Trigger requests a cycle as soon as possible. Never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled, running a cycle on every trigger and
// at least once per poll interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.String("poll_interval", s.config.pollInterval().String()),
		slog.String("ack_timeout", s.config.ackTimeout().String()),
	)

	ticker := time.NewTicker(s.config.pollInterval())
	defer ticker.Stop()

	for {
		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "scheduler cycle failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// RunCycle requeues expired assignments, then assigns ready tasks in
// priority order (lowest number first, oldest first within a tier).
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	var res CycleResult
	defer func() {
		if s.metrics != nil {
			s.metrics.CycleDuration.Observe(time.Since(start).Seconds())
			s.metrics.ReadyTasks.WithLabelValues(s.teamID).Set(float64(res.Ready))
		}
	}()

	requeued, err := s.requeueExpired(ctx)
	if err != nil {
		return res, err
	}
	res.Requeued = requeued

	ready, err := s.readyTasks(ctx)
	if err != nil {
		return res, err
	}
	res.Ready = len(ready)
	if len(ready) == 0 {
		return res, nil
	}

	workers, err := s.registry.Available(ctx)
	if err != nil {
		// A dead registry stalls scheduling; tasks simply stay pending.
		if s.metrics != nil {
			s.metrics.RegistryUnavailable.Inc()
		}
		s.logger.WarnContext(ctx, "agent registry unavailable",
			slog.String("error", err.Error()),
			slog.Int("ready", len(ready)),
		)
		return res, nil
	}

	limit := s.config.maxAssignments()
	for i := range ready {
		if res.Assigned >= limit || ctx.Err() != nil {
			break
		}
		task := &ready[i]

		w := pickWorker(workers, task.RequestedAgent())
		if w == nil {
			s.metrics.assignment("no_agent")
			continue
		}

		ok, err := s.assign(ctx, task, w)
		if err != nil {
			s.logger.WarnContext(ctx, "assignment failed",
				slog.String("task_id", task.ID.String()),
				slog.String("agent", w.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			res.Conflicts++
			continue
		}
		w.FreeSlots--
		res.Assigned++
	}

	if res.Assigned > 0 || res.Requeued > 0 {
		s.logger.DebugContext(ctx, "scheduler cycle",
			slog.Int("ready", res.Ready),
			slog.Int("assigned", res.Assigned),
			slog.Int("requeued", res.Requeued),
			slog.Int("conflicts", res.Conflicts),
		)
	}
	return res, nil
}

// readyTasks returns pending tasks whose dependencies are all completed,
// sorted by priority then age.
func (s *Scheduler) readyTasks(ctx context.Context) ([]Task, error) {
	pending := TaskPending
	candidates, err := s.store.ListTasks(ctx, s.teamID, TaskFilter{Status: &pending})
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}

	cache := make(map[uuid.UUID]TaskStatus)
	ready := make([]Task, 0, len(candidates))
	for _, t := range candidates {
		ok, err := s.resolver.isReady(ctx, &t, cache)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sortByPriority(ready)
	return ready, nil
}

// assign moves task pending -> assigned with a single compare-and-set and
// offers it to the worker. A lost race returns false with no error; the
// candidate is reconsidered next cycle.
func (s *Scheduler) assign(ctx context.Context, task *Task, w *Worker) (bool, error) {
	now := s.now()
	if err := Transition(task, TaskAssigned, now); err != nil {
		return false, err
	}
	task.AssignedAgentName = w.Name

	if err := s.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.assignment("conflict")
			if s.metrics != nil {
				s.metrics.ConflictsTotal.Inc()
			}
			return false, nil
		}
		return false, fmt.Errorf("committing assignment: %w", err)
	}
	s.metrics.transition(TaskPending, TaskAssigned)

	offer := Assignment{
		TaskID:   task.ID,
		TeamID:   task.TeamID,
		Prompt:   task.Prompt,
		Priority: task.Priority,
		Metadata: task.Metadata,
		Deadline: now.Add(s.config.ackTimeout()),
	}
	if err := s.registry.Assign(ctx, w.Name, offer); err != nil {
		s.metrics.assignment("delivery_failed")
		// Give the task back right away instead of waiting for the ack timeout.
		if rerr := s.release(ctx, task.ID, w.Name); rerr != nil {
			s.logger.WarnContext(ctx, "releasing undelivered assignment",
				slog.String("task_id", task.ID.String()),
				slog.String("error", rerr.Error()),
			)
		}
		w.FreeSlots = 0
		return false, fmt.Errorf("delivering to %s: %w", w.Name, err)
	}

	s.metrics.assignment("assigned")
	s.logger.InfoContext(ctx, "task assigned",
		slog.String("task_id", task.ID.String()),
		slog.String("agent", w.Name),
		slog.Int("priority", task.Priority),
	)
	return true, nil
}

// release requeues a task that is still assigned to agentName.
func (s *Scheduler) release(ctx context.Context, id uuid.UUID, agentName string) error {
	_, _, err := mutateTask(ctx, s.store, id, s.config.Retry, s.metrics, func(t *Task) error {
		if t.Status != TaskAssigned || t.AssignedAgentName != agentName {
			return errNoChange
		}
		return Transition(t, TaskPending, s.now())
	})
	if err == nil {
		s.metrics.transition(TaskAssigned, TaskPending)
	}
	return err
}

// requeueExpired moves assigned tasks whose ack window has elapsed back to
// pending so a crashed or unreachable agent never strands them.
func (s *Scheduler) requeueExpired(ctx context.Context) (int, error) {
	assigned := TaskAssigned
	tasks, err := s.store.ListTasks(ctx, s.teamID, TaskFilter{Status: &assigned})
	if err != nil {
		return 0, fmt.Errorf("listing assigned tasks: %w", err)
	}

	deadline := s.now().Add(-s.config.ackTimeout())
	requeued := 0
	for i := range tasks {
		t := &tasks[i]
		if t.AssignedAt == nil || !t.AssignedAt.Before(deadline) {
			continue
		}
		agent := t.AssignedAgentName
		if err := Transition(t, TaskPending, s.now()); err != nil {
			continue
		}
		if err := s.store.UpdateTask(ctx, t); err != nil {
			if errors.Is(err, ErrConflict) {
				// The agent acked or someone cancelled in the meantime.
				continue
			}
			return requeued, fmt.Errorf("requeueing task %s: %w", t.ID, err)
		}
		requeued++
		s.metrics.transition(TaskAssigned, TaskPending)
		if s.metrics != nil {
			s.metrics.AckTimeoutsTotal.Inc()
		}
		s.logger.WarnContext(ctx, "assignment not acknowledged, requeued",
			slog.String("task_id", t.ID.String()),
			slog.String("agent", agent),
		)
	}
	return requeued, nil
}

// pickWorker returns the least-loaded worker with free capacity that
// matches the requested agent name, or nil.
func pickWorker(workers []Worker, requested string) *Worker {
	var best *Worker
	for i := range workers {
		w := &workers[i]
		if w.FreeSlots <= 0 || !w.Matches(requested) {
			continue
		}
		if best == nil || w.FreeSlots > best.FreeSlots {
			best = w
		}
	}
	return best
}
