package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jkaninda/taskforge/internal/orchestrator"

// EngineConfig configures the orchestration engine.
type EngineConfig struct {
	Scheduler        SchedulerConfig
	Breaker          BreakerConfig
	RecentTasksLimit int // Summary recent tasks. Default: 10.
	MaxPromptBytes   int // Default: 32 KiB.
	DefaultListLimit int // Default: 50.
	MaxListLimit     int // Default: 500.
}

func (c EngineConfig) maxPromptBytes() int {
	if c.MaxPromptBytes > 0 {
		return c.MaxPromptBytes
	}
	return 32 * 1024
}

func (c EngineConfig) defaultListLimit() int {
	if c.DefaultListLimit > 0 {
		return c.DefaultListLimit
	}
	return 50
}

func (c EngineConfig) maxListLimit() int {
	if c.MaxListLimit > 0 {
		return c.MaxListLimit
	}
	return 500
}

// Engine is the entry point for task orchestration. Callers (HTTP, CLI,
// MCP) and agents (via the WebSocket gateway) go through it; it owns the
// scheduler pool and the canceler, mailbox, and aggregator components.
type Engine struct {
	store      TaskStore
	registry   AgentRegistry
	resolver   *DependencyResolver
	canceler   *CascadeCanceler
	mailbox    *MailboxRouter
	aggregator *MetricsAggregator
	pool       *SchedulerPool
	metrics    *SchedulerMetrics
	tracer     trace.Tracer
	logger     *slog.Logger
	config     EngineConfig
	now        func() time.Time
}

// NewEngine wires the orchestration components around store. registry and
// deliverer may be nil, in which case no agent is ever available and
// mailbox messages are dropped.
func NewEngine(
	store TaskStore,
	registry AgentRegistry,
	deliverer Deliverer,
	metrics *SchedulerMetrics,
	logger *slog.Logger,
	config EngineConfig,
) *Engine {
	if logger == nil {
		logger = discardLogger()
	}
	if registry == nil {
		registry = nopRegistry{}
	}
	if deliverer == nil {
		deliverer = nopDeliverer{}
	}
	guarded := NewBreakerRegistry(registry, config.Breaker, logger)

	return &Engine{
		store:      store,
		registry:   guarded,
		resolver:   NewDependencyResolver(store),
		canceler:   NewCascadeCanceler(store, guarded, config.Scheduler.Retry, logger, metrics),
		mailbox:    NewMailboxRouter(store, deliverer, logger, metrics),
		aggregator: NewMetricsAggregator(store, config.RecentTasksLimit),
		pool:       NewSchedulerPool(store, guarded, config.Scheduler, logger, metrics),
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the per-team scheduler loops and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.pool.Run(ctx)
}

// Pool exposes the scheduler pool, e.g. for triggering on agent changes.
func (e *Engine) Pool() *SchedulerPool { return e.pool }

// AgentsChanged wakes every scheduler after agent availability changed.
func (e *Engine) AgentsChanged() { e.pool.TriggerAll() }

// Subscribe registers fn for task events of teamID.
func (e *Engine) Subscribe(teamID string, fn func(TaskEvent)) func() {
	return e.store.Subscribe(teamID, fn)
}

// CreateTask validates and inserts a new pending task.
func (e *Engine) CreateTask(ctx context.Context, req CreateTaskRequest) (_ *Task, err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.CreateTask",
		trace.WithAttributes(attribute.String("team_id", req.TeamID)))
	defer func() { endSpan(span, err) }()

	if err := requireTeam(req.TeamID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if len(req.Prompt) > e.config.maxPromptBytes() {
		return nil, &ValidationError{Field: "prompt", Reason: fmt.Sprintf("exceeds %d bytes", e.config.maxPromptBytes())}
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	}
	if v, ok := req.Metadata[MetadataAgentName]; ok {
		if _, isString := v.(string); !isString {
			return nil, &ValidationError{Field: "metadata.agentName", Reason: "must be a string"}
		}
	}

	id := uuid.New()
	if err := validateDependencies(ctx, e.store, req.TeamID, id, req.Dependencies); err != nil {
		return nil, err
	}

	now := e.now()
	task := &Task{
		ID:           id,
		TeamID:       req.TeamID,
		Prompt:       req.Prompt,
		Status:       TaskPending,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TasksCreatedTotal.Inc()
	}

	e.logger.InfoContext(ctx, "task created",
		slog.String("task_id", id.String()),
		slog.String("team_id", req.TeamID),
		slog.Int("priority", req.Priority),
		slog.Int("dependencies", len(req.Dependencies)),
	)
	return task.Clone(), nil
}

// GetTask returns a task of teamID. A task of another team is ErrForbidden.
func (e *Engine) GetTask(ctx context.Context, teamID string, id uuid.UUID) (*Task, error) {
	if err := requireTeam(teamID); err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.TeamID != teamID {
		return nil, fmt.Errorf("task %s: %w", id, ErrForbidden)
	}
	return task, nil
}

// ListTasks returns a team's tasks, newest first. limit 0 uses the default;
// larger limits are clamped to the maximum.
func (e *Engine) ListTasks(ctx context.Context, teamID string, status *TaskStatus, limit int) ([]Task, error) {
	if err := requireTeam(teamID); err != nil {
		return nil, err
	}
	switch {
	case limit < 0:
		return nil, &ValidationError{Field: "limit", Reason: "must not be negative"}
	case limit == 0:
		limit = e.config.defaultListLimit()
	case limit > e.config.maxListLimit():
		limit = e.config.maxListLimit()
	}
	tasks, err := e.store.ListTasks(ctx, teamID, TaskFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// DependencyInfo summarizes the dependencies of a task.
func (e *Engine) DependencyInfo(ctx context.Context, teamID string, id uuid.UUID) (*DependencyInfo, error) {
	task, err := e.GetTask(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	return e.resolver.Info(ctx, task)
}

// IsReady reports whether every dependency of the task is completed.
func (e *Engine) IsReady(ctx context.Context, teamID string, id uuid.UUID) (bool, error) {
	task, err := e.GetTask(ctx, teamID, id)
	if err != nil {
		return false, err
	}
	return e.resolver.IsReady(ctx, task)
}

// ExecutionOrder returns the team's tasks in dependency order.
func (e *Engine) ExecutionOrder(ctx context.Context, teamID string) ([]uuid.UUID, error) {
	if err := requireTeam(teamID); err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, teamID, TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return ExecutionOrder(tasks)
}

// AcknowledgeAssignment is called by the agent that was offered a task.
// It moves assigned -> running, stamps startedAt and a fresh run id.
// Acknowledging a task this agent already runs returns it unchanged.
func (e *Engine) AcknowledgeAssignment(ctx context.Context, teamID string, id uuid.UUID, agentName string) (*Task, error) {
	var assignedAt *time.Time
	task, changed, err := e.mutate(ctx, teamID, id, func(t *Task) error {
		if t.AssignedAgentName != agentName && t.Status.Active() {
			return fmt.Errorf("task %s is held by another agent: %w", id, ErrInvalidState)
		}
		if t.Status == TaskRunning {
			return errNoChange
		}
		assignedAt = cloneTime(t.AssignedAt)
		if err := Transition(t, TaskRunning, e.now()); err != nil {
			return err
		}
		runID := uuid.New()
		t.TaskRunID = &runID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.metrics.transition(TaskAssigned, TaskRunning)
		if e.metrics != nil && assignedAt != nil {
			e.metrics.AckLatency.Observe(task.StartedAt.Sub(*assignedAt).Seconds())
		}
		e.logger.InfoContext(ctx, "assignment acknowledged",
			slog.String("task_id", id.String()),
			slog.String("agent", agentName),
			slog.String("task_run_id", task.TaskRunID.String()),
		)
	}
	return task, nil
}

// CompleteTask records a successful outcome reported by the running agent.
func (e *Engine) CompleteTask(ctx context.Context, teamID string, id uuid.UUID, agentName, result string) (*Task, error) {
	return e.finish(ctx, teamID, id, agentName, TaskCompleted, result)
}

// FailTask records a failure reported by the running agent.
func (e *Engine) FailTask(ctx context.Context, teamID string, id uuid.UUID, agentName, errMsg string) (*Task, error) {
	return e.finish(ctx, teamID, id, agentName, TaskFailed, errMsg)
}

func (e *Engine) finish(ctx context.Context, teamID string, id uuid.UUID, agentName string, to TaskStatus, text string) (*Task, error) {
	task, _, err := e.mutate(ctx, teamID, id, func(t *Task) error {
		if agentName != "" && t.Status.Active() && t.AssignedAgentName != agentName {
			return fmt.Errorf("task %s is held by another agent: %w", id, ErrInvalidState)
		}
		if err := Transition(t, to, e.now()); err != nil {
			return err
		}
		if to == TaskCompleted {
			t.Result = text
		} else {
			t.ErrorMessage = text
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.transition(TaskRunning, to)
	e.logger.InfoContext(ctx, "task finished",
		slog.String("task_id", id.String()),
		slog.String("status", string(to)),
		slog.String("agent", agentName),
	)
	return task, nil
}

// ReassignTask hands an assigned or running task to another agent without
// changing its status. This is the explicit follow-up to a handoff message.
// An assigned task gets a fresh ack window and is offered to the new agent.
func (e *Engine) ReassignTask(ctx context.Context, teamID string, id uuid.UUID, agentName string) (*Task, error) {
	if strings.TrimSpace(agentName) == "" {
		return nil, &ValidationError{Field: "agent_name", Reason: "must not be empty"}
	}
	task, changed, err := e.mutate(ctx, teamID, id, func(t *Task) error {
		if !t.Status.Active() {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrInvalidState)
		}
		if t.AssignedAgentName == agentName {
			return errNoChange
		}
		t.AssignedAgentName = agentName
		if t.Status == TaskAssigned {
			now := e.now()
			t.AssignedAt = &now
		}
		t.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed && task.Status == TaskAssigned {
		offer := Assignment{
			TaskID:   task.ID,
			TeamID:   task.TeamID,
			Prompt:   task.Prompt,
			Priority: task.Priority,
			Metadata: task.Metadata,
			Deadline: task.AssignedAt.Add(e.config.Scheduler.ackTimeout()),
		}
		if err := e.registry.Assign(ctx, agentName, offer); err != nil {
			// The ack timeout requeues the task if the new agent never answers.
			e.logger.WarnContext(ctx, "offering reassigned task",
				slog.String("task_id", id.String()),
				slog.String("agent", agentName),
				slog.String("error", err.Error()),
			)
		}
	}
	if changed {
		e.logger.InfoContext(ctx, "task reassigned",
			slog.String("task_id", id.String()),
			slog.String("agent", agentName),
		)
	}
	return task, nil
}

// CancelTask cancels a task and, with cascade, its transitive dependents.
func (e *Engine) CancelTask(ctx context.Context, teamID string, id uuid.UUID, cascade bool) (_ []CancelOutcome, err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.CancelTask", trace.WithAttributes(
		attribute.String("team_id", teamID),
		attribute.String("task_id", id.String()),
		attribute.Bool("cascade", cascade),
	))
	defer func() { endSpan(span, err) }()

	if err := requireTeam(teamID); err != nil {
		return nil, err
	}
	return e.canceler.Cancel(ctx, teamID, id, cascade)
}

// SendMessage delivers a message to the agent running taskRunID.
func (e *Engine) SendMessage(ctx context.Context, teamID string, runID uuid.UUID, msgType MessageType, body string) (_ *Message, err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.SendMessage", trace.WithAttributes(
		attribute.String("team_id", teamID),
		attribute.String("task_run_id", runID.String()),
		attribute.String("message_type", string(msgType)),
	))
	defer func() { endSpan(span, err) }()

	if err := requireTeam(teamID); err != nil {
		return nil, err
	}
	return e.mailbox.Send(ctx, teamID, runID, msgType, body)
}

// Summarize returns the team's aggregate health view.
func (e *Engine) Summarize(ctx context.Context, teamID string) (*Summary, error) {
	if err := requireTeam(teamID); err != nil {
		return nil, err
	}
	return e.aggregator.Summarize(ctx, teamID)
}

// mutate loads a team-scoped task and applies fn with CAS retry.
func (e *Engine) mutate(ctx context.Context, teamID string, id uuid.UUID, fn func(*Task) error) (*Task, bool, error) {
	if err := requireTeam(teamID); err != nil {
		return nil, false, err
	}
	return mutateTask(ctx, e.store, id, e.config.Scheduler.Retry, e.metrics, func(t *Task) error {
		if t.TeamID != teamID {
			return fmt.Errorf("task %s: %w", id, ErrForbidden)
		}
		return fn(t)
	})
}

func requireTeam(teamID string) error {
	if strings.TrimSpace(teamID) == "" {
		return fmt.Errorf("no team resolved for caller: %w", ErrUnauthenticated)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopRegistry struct{}

func (nopRegistry) Available(context.Context) ([]Worker, error) { return nil, nil }
func (nopRegistry) Assign(_ context.Context, agent string, _ Assignment) error {
	return fmt.Errorf("agent %s: no agent registry configured", agent)
}
func (nopRegistry) CancelRun(context.Context, string, uuid.UUID, string) error { return nil }

type nopDeliverer struct{}

func (nopDeliverer) Deliver(_ context.Context, agent string, _ Message) error {
	return fmt.Errorf("agent %s: no mailbox transport configured", agent)
}
