// Package notification posts task status changes to configured webhooks.
// Events are queued without blocking the store's publisher and delivered
// in order by a single worker, with exponential backoff on transient
// failures.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/orchestrator"
)

var defaultStatuses = []orchestrator.TaskStatus{
	orchestrator.TaskCompleted,
	orchestrator.TaskFailed,
	orchestrator.TaskCancelled,
}

// Hook is a resolved webhook target.
type Hook struct {
	Name         string
	URL          string
	Secret       string
	AllowPrivate bool

	teams      map[string]bool // nil = every team.
	statuses   map[orchestrator.TaskStatus]bool
	maxElapsed time.Duration
}

// NewHook resolves a webhook config.
func NewHook(cfg config.WebhookConfig) Hook {
	h := Hook{
		Name:         cfg.Name,
		URL:          cfg.URL,
		Secret:       cfg.Secret,
		AllowPrivate: cfg.AllowPrivate,
		statuses:     make(map[orchestrator.TaskStatus]bool),
		maxElapsed:   time.Duration(cfg.MaxElapsedS) * time.Second,
	}
	if h.Name == "" {
		h.Name = cfg.URL
	}
	if h.maxElapsed <= 0 {
		h.maxElapsed = time.Minute
	}
	if len(cfg.Teams) > 0 {
		h.teams = make(map[string]bool, len(cfg.Teams))
		for _, t := range cfg.Teams {
			h.teams[t] = true
		}
	}
	statuses := defaultStatuses
	if len(cfg.Statuses) > 0 {
		statuses = make([]orchestrator.TaskStatus, 0, len(cfg.Statuses))
		for _, s := range cfg.Statuses {
			statuses = append(statuses, orchestrator.TaskStatus(s))
		}
	}
	for _, s := range statuses {
		h.statuses[s] = true
	}
	return h
}

// Matches reports whether ev should be posted to h. Only events that enter
// a watched status count; metadata-only updates do not.
func (h Hook) Matches(ev orchestrator.TaskEvent) bool {
	if h.teams != nil && !h.teams[ev.TeamID] {
		return false
	}
	if ev.Type == orchestrator.EventUpdated && ev.Previous == ev.Task.Status {
		return false
	}
	return h.statuses[ev.Task.Status]
}

// Event is the JSON body posted to webhooks.
type Event struct {
	ID             string                  `json:"id"`
	Type           string                  `json:"type"` // "task.<status>"
	TeamID         string                  `json:"team_id"`
	Task           orchestrator.Task       `json:"task"`
	PreviousStatus orchestrator.TaskStatus `json:"previous_status,omitempty"`
	OccurredAt     time.Time               `json:"occurred_at"`
}

type delivery struct {
	hook  Hook
	event Event
}

// Subscriber is the part of the engine the dispatcher listens to.
type Subscriber interface {
	Subscribe(teamID string, fn func(orchestrator.TaskEvent)) func()
}

// Dispatcher matches task events against hooks and delivers them.
type Dispatcher struct {
	hooks   []Hook
	sender  *WebhookSender
	queue   chan delivery
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher for cfg. It returns nil when no
// webhooks are configured.
func NewDispatcher(cfg *config.NotificationsConfig, sender *WebhookSender, logger *slog.Logger) *Dispatcher {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sender == nil {
		sender = NewWebhookSender(logger)
	}
	hooks := make([]Hook, len(cfg.Webhooks))
	for i, w := range cfg.Webhooks {
		hooks[i] = NewHook(w)
	}
	return &Dispatcher{
		hooks:  hooks,
		sender: sender,
		queue:  make(chan delivery, cfg.Queue()),
		logger: logger,
	}
}

// Attach subscribes the dispatcher to every team's events.
func (d *Dispatcher) Attach(sub Subscriber) (detach func()) {
	return sub.Subscribe("", d.Handle)
}

// Handle queues ev for every matching hook. It never blocks; when the
// queue is full the delivery is dropped and counted.
func (d *Dispatcher) Handle(ev orchestrator.TaskEvent) {
	for _, h := range d.hooks {
		if !h.Matches(ev) {
			continue
		}
		item := delivery{hook: h, event: Event{
			ID:             uuid.NewString(),
			Type:           "task." + string(ev.Task.Status),
			TeamID:         ev.TeamID,
			Task:           ev.Task,
			PreviousStatus: ev.Previous,
			OccurredAt:     ev.Task.UpdatedAt,
		}}
		select {
		case d.queue <- item:
		default:
			n := d.dropped.Add(1)
			d.logger.Warn("notification queue full, dropping event",
				slog.String("hook", h.Name),
				slog.String("task_id", ev.Task.ID.String()),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped returns how many deliveries were dropped on a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("webhook notifications enabled", slog.Int("hooks", len(d.hooks)))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-d.queue:
			if err := d.deliver(ctx, item); err != nil && ctx.Err() == nil {
				d.logger.Error("webhook delivery failed",
					slog.String("hook", item.hook.Name),
					slog.String("event", item.event.Type),
					slog.String("task_id", item.event.Task.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item delivery) error {
	body, err := json.Marshal(item.event)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = item.hook.maxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := d.sender.Send(ctx, item.hook, body)
		if err == nil {
			d.logger.Debug("webhook delivered",
				slog.String("hook", item.hook.Name),
				slog.String("event", item.event.Type),
				slog.Int("attempt", attempt),
			)
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		d.logger.Warn("webhook delivery attempt failed",
			slog.String("hook", item.hook.Name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}, backoff.WithContext(policy, ctx))
}
