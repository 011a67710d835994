package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// Listener turns PostgreSQL notifications into orchestrator task events.
// It holds one dedicated connection outside the GORM pool and reconnects
// with exponential backoff. Notifications sent while disconnected are lost;
// the scheduler's poll interval covers the gap.
type Listener struct {
	dsn     string
	channel string
	repo    *TaskRepository
	logger  *slog.Logger
}

// NewListener creates a listener publishing into repo's notifier.
func NewListener(dsn, channel string, repo *TaskRepository, logger *slog.Logger) *Listener {
	return &Listener{dsn: dsn, channel: channel, repo: repo, logger: logger}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry forever

	err := backoff.RetryNotify(
		func() error { return l.listen(ctx, policy) },
		backoff.WithContext(policy, ctx),
		func(err error, wait time.Duration) {
			l.logger.Warn("task event listener disconnected",
				slog.String("error", err.Error()),
				slog.String("retry_in", wait.String()),
			)
		},
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Listener) listen(ctx context.Context, policy backoff.BackOff) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connecting listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listening on %s: %w", l.channel, err)
	}
	policy.Reset()
	l.logger.Info("task event listener connected", slog.String("channel", l.channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}
		l.dispatch(ctx, n.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	var ev eventPayload
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.logger.Warn("malformed task event", slog.String("error", err.Error()))
		return
	}

	task, err := l.repo.GetTask(ctx, ev.TaskID)
	if err != nil {
		if !errors.Is(err, orchestrator.ErrNotFound) {
			l.logger.Warn("loading notified task",
				slog.String("task_id", ev.TaskID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	l.repo.Events().Publish(orchestrator.TaskEvent{
		Type:     ev.Type,
		TeamID:   ev.TeamID,
		Task:     *task,
		Previous: ev.Previous,
	})
}
