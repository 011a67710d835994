package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxMessageBodyBytes bounds a mailbox message body.
const MaxMessageBodyBytes = 64 * 1024

// MailboxRouter delivers typed messages to the agent executing a task run.
// Delivery is at-most-once and fire-and-forget: once the preconditions
// hold, the message is handed to the Deliverer and Send returns.
// A handoff message never reassigns the task; see Engine.ReassignTask.
type MailboxRouter struct {
	store     TaskStore
	deliverer Deliverer
	logger    *slog.Logger
	metrics   *SchedulerMetrics
	now       func() time.Time
}

// NewMailboxRouter creates a router sending through deliverer.
func NewMailboxRouter(store TaskStore, deliverer Deliverer, logger *slog.Logger, metrics *SchedulerMetrics) *MailboxRouter {
	if logger == nil {
		logger = discardLogger()
	}
	return &MailboxRouter{
		store:     store,
		deliverer: deliverer,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send validates the run and hands the message off. Returns ErrNotFound if
// no task has this run id in the team and ErrInvalidState if the task is
// not running.
func (m *MailboxRouter) Send(ctx context.Context, teamID string, runID uuid.UUID, msgType MessageType, body string) (*Message, error) {
	if _, err := ParseMessageType(string(msgType)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if len(body) > MaxMessageBodyBytes {
		return nil, &ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d bytes", MaxMessageBodyBytes)}
	}

	task, err := m.store.GetTaskByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	// Runs of other teams are indistinguishable from missing runs.
	if task.TeamID != teamID {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if task.Status != TaskRunning {
		return nil, fmt.Errorf("run %s is %s: %w", runID, task.Status, ErrInvalidState)
	}

	msg := Message{
		ID:        uuid.New(),
		TeamID:    teamID,
		TaskID:    task.ID,
		TaskRunID: runID,
		Type:      msgType,
		Body:      body,
		SentAt:    m.now(),
	}

	result := "delivered"
	if err := m.deliverer.Deliver(ctx, task.AssignedAgentName, msg); err != nil {
		result = "dropped"
		m.logger.WarnContext(ctx, "mailbox delivery failed",
			slog.String("task_id", task.ID.String()),
			slog.String("agent", task.AssignedAgentName),
			slog.String("message_type", string(msgType)),
			slog.String("error", err.Error()),
		)
	} else {
		m.logger.InfoContext(ctx, "mailbox message sent",
			slog.String("task_id", task.ID.String()),
			slog.String("agent", task.AssignedAgentName),
			slog.String("message_type", string(msgType)),
		)
	}
	if m.metrics != nil {
		m.metrics.MessagesTotal.WithLabelValues(string(msgType), result).Inc()
	}
	return &msg, nil
}

// ChannelMailbox is an in-process Deliverer with one bounded inbox per
// agent. A full inbox drops the message.
type ChannelMailbox struct {
	mu      sync.Mutex
	inboxes map[string]chan Message
	size    int
}

// NewChannelMailbox creates a mailbox whose inboxes hold size messages.
func NewChannelMailbox(size int) *ChannelMailbox {
	if size <= 0 {
		size = 64
	}
	return &ChannelMailbox{inboxes: make(map[string]chan Message), size: size}
}

func (c *ChannelMailbox) inbox(agentName string) chan Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inboxes[agentName]
	if !ok {
		ch = make(chan Message, c.size)
		c.inboxes[agentName] = ch
	}
	return ch
}

// Inbox returns the inbound channel for agentName, creating it on first use.
func (c *ChannelMailbox) Inbox(agentName string) <-chan Message {
	return c.inbox(agentName)
}

// Deliver enqueues msg without blocking.
func (c *ChannelMailbox) Deliver(_ context.Context, agentName string, msg Message) error {
	select {
	case c.inbox(agentName) <- msg:
		return nil
	default:
		return fmt.Errorf("inbox for %s is full", agentName)
	}
}

var _ Deliverer = (*ChannelMailbox)(nil)
