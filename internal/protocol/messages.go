// Package protocol defines the WebSocket message types for Gateway ↔ Agent communication.
// All messages are JSON-encoded and wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Agent → Gateway
	MsgAgentRegister  MessageType = "agent.register"
	MsgAgentHeartbeat MessageType = "agent.heartbeat"
	MsgAgentDraining  MessageType = "agent.draining"
	MsgTaskAccepted   MessageType = "task.accepted"
	MsgTaskResult     MessageType = "task.result"
	MsgTaskFailed     MessageType = "task.failed"

	// Gateway → Agent
	MsgRegistered MessageType = "gateway.registered"
	MsgTaskAssign MessageType = "task.assign"
	MsgTaskCancel MessageType = "task.cancel"
	MsgMailbox    MessageType = "mailbox.message"
	MsgPing       MessageType = "gateway.ping"
	MsgPong       MessageType = "gateway.pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
// Every message sent between Gateway and Agent is wrapped in an Envelope.
// Task-scoped messages carry both TaskID and TeamID; agents echo the team
// they were given in the assignment.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation and deduplication.
	AgentID   string          `json:"agent_id,omitempty"`
	TeamID    string          `json:"team_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// ParseTaskID parses the envelope's TaskID.
func (e *Envelope) ParseTaskID() (uuid.UUID, error) {
	return uuid.Parse(e.TaskID)
}

// --- Agent → Gateway payloads ---

// AgentCapabilities is sent with MsgAgentRegister when an agent connects.
// Name is the agent's stable identity; tasks requesting an agentName are
// matched against Name and Capabilities.
type AgentCapabilities struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	MaxParallel  int      `json:"max_parallel"`
	Version      string   `json:"version"`
}

// HeartbeatPayload is sent with MsgAgentHeartbeat periodically.
type HeartbeatPayload struct {
	ActiveTasks int `json:"active_tasks"`
}

// TaskResultPayload is sent with MsgTaskResult when an agent completes a task.
type TaskResultPayload struct {
	Result   string `json:"result"`
	Duration string `json:"duration,omitempty"`
}

// TaskFailedPayload is sent with MsgTaskFailed when an agent fails a task.
type TaskFailedPayload struct {
	Error string `json:"error"`
}

// --- Gateway → Agent payloads ---

// RegisteredPayload is sent with MsgRegistered to confirm agent registration.
type RegisteredPayload struct {
	Message           string `json:"message"`
	HeartbeatInterval string `json:"heartbeat_interval"`
}

// TaskAssignment is sent with MsgTaskAssign to offer a task to an agent.
// The agent must answer with MsgTaskAccepted before Deadline or the task
// goes back to the queue.
type TaskAssignment struct {
	TaskID   string         `json:"task_id"`
	TeamID   string         `json:"team_id"`
	Prompt   string         `json:"prompt"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Deadline time.Time      `json:"deadline"`
}

// TaskCancelPayload is sent with MsgTaskCancel to cancel an in-progress task.
type TaskCancelPayload struct {
	Reason string `json:"reason"`
}

// MailboxPayload is sent with MsgMailbox to deliver a mailbox message to
// the agent running a task.
type MailboxPayload struct {
	MessageID string    `json:"message_id"`
	TaskRunID string    `json:"task_run_id"`
	Type      string    `json:"type"` // "request", "status", or "handoff"
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorPayload.
const (
	ErrCodeBadMessage   = "bad_message"
	ErrCodeUnknownType  = "unknown_type"
	ErrCodeInvalidState = "invalid_state"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal"
)
