// Package agent keeps track of worker agents connected over WebSocket and
// implements the orchestrator's AgentRegistry and Deliverer on top of them.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/protocol"
)

// ErrAgentNotConnected is returned when an operation targets an agent that
// has no live connection.
var ErrAgentNotConnected = errors.New("agent not connected")

// AgentStatus represents the current state of a connected agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentDraining AgentStatus = "draining"
)

// Conn is the subset of *websocket.Conn the registry writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ConnectedAgent represents a remote agent connected via WebSocket.
type ConnectedAgent struct {
	Info        protocol.AgentCapabilities
	Conn        Conn
	LastSeen    time.Time
	Status      AgentStatus
	ConnectedAt time.Time
	Reported    int // Active tasks from the agent's last heartbeat.

	mu sync.Mutex
}

// maxParallel defaults to one slot for agents that did not declare capacity.
func (a *ConnectedAgent) maxParallel() int {
	if a.Info.MaxParallel > 0 {
		return a.Info.MaxParallel
	}
	return 1
}

// Snapshot is a read-only view of a connected agent.
type Snapshot struct {
	Name         string      `json:"name"`
	Capabilities []string    `json:"capabilities"`
	MaxParallel  int         `json:"max_parallel"`
	Active       int         `json:"active"`
	Status       AgentStatus `json:"status"`
	LastSeen     time.Time   `json:"last_seen"`
	ConnectedAt  time.Time   `json:"connected_at"`
}

// Registry manages connected WebSocket agents. Capacity is counted from the
// offers the registry itself sent (see TaskTracker), not from heartbeats,
// so a freshly assigned agent is never offered more than it declared.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*ConnectedAgent
	tracker  *TaskTracker
	onChange func()
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates a new agent registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		agents:  make(map[string]*ConnectedAgent),
		tracker: NewTaskTracker(logger),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// OnChange sets a callback fired whenever capacity may have grown: an agent
// registered, a run finished, or an offer expired. The gateway points it at
// Engine.AgentsChanged.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Tracker returns the registry's run tracker.
func (r *Registry) Tracker() *TaskTracker { return r.tracker }

// Register adds an agent. A second connection under the same name replaces
// the first, which is closed.
func (r *Registry) Register(info protocol.AgentCapabilities, conn Conn) *ConnectedAgent {
	now := r.now()
	a := &ConnectedAgent{
		Info:        info,
		Conn:        conn,
		Status:      AgentIdle,
		ConnectedAt: now,
		LastSeen:    now,
	}

	r.mu.Lock()
	old := r.agents[info.Name]
	r.agents[info.Name] = a
	r.mu.Unlock()

	if old != nil && old.Conn != conn {
		_ = old.Conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
		r.logger.Warn("agent connection replaced", slog.String("agent", info.Name))
	}
	r.logger.Info("agent registered",
		slog.String("agent", info.Name),
		slog.Int("max_parallel", a.maxParallel()),
		slog.Int("capabilities", len(info.Capabilities)),
		slog.String("version", info.Version),
	)
	r.changed()
	return a
}

// Deregister removes the agent if conn is still its current connection, so
// a late disconnect of a replaced connection does not evict the new one.
// Runs tracked for the agent are forgotten; the tasks themselves stay in
// the store and are recovered by the ack timeout or an explicit cancel.
func (r *Registry) Deregister(name string, conn Conn) {
	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok || a.Conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.agents, name)
	r.mu.Unlock()

	dropped := r.tracker.RemoveAgent(name)
	r.logger.Info("agent deregistered", slog.String("agent", name), slog.Int("dropped_runs", dropped))
}

// Get returns a connected agent by name.
func (r *Registry) Get(name string) (*ConnectedAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// UpdateHeartbeat refreshes the last-seen time for an agent.
func (r *Registry) UpdateHeartbeat(name string, activeTasks int) {
	a, ok := r.Get(name)
	if !ok {
		return
	}

	a.mu.Lock()
	a.LastSeen = r.now()
	a.Reported = activeTasks
	if a.Status != AgentDraining {
		if activeTasks > 0 {
			a.Status = AgentBusy
		} else {
			a.Status = AgentIdle
		}
	}
	a.mu.Unlock()
}

// Touch refreshes the last-seen time without changing the reported load.
func (r *Registry) Touch(name string) {
	a, ok := r.Get(name)
	if !ok {
		return
	}
	a.mu.Lock()
	a.LastSeen = r.now()
	a.mu.Unlock()
}

// SetDraining stops new offers to the agent. Work already held continues.
func (r *Registry) SetDraining(name string) {
	a, ok := r.Get(name)
	if !ok {
		return
	}
	a.mu.Lock()
	a.Status = AgentDraining
	a.LastSeen = r.now()
	a.mu.Unlock()
	r.logger.Info("agent draining", slog.String("agent", name))
}

// Accepted records the agent's acknowledgment of an offer.
func (r *Registry) Accepted(name string, taskID uuid.UUID) {
	if !r.tracker.MarkAccepted(taskID, name) {
		r.logger.Debug("acknowledgment for untracked task",
			slog.String("agent", name),
			slog.String("task_id", taskID.String()),
		)
	}
}

// Finished releases the capacity held for taskID.
func (r *Registry) Finished(taskID uuid.UUID) {
	if r.tracker.Remove(taskID) {
		r.changed()
	}
}

// ExpireOffers releases capacity held by offers older than ackTimeout.
func (r *Registry) ExpireOffers(ackTimeout time.Duration) int {
	expired := r.tracker.ExpireUnacknowledged(ackTimeout)
	if len(expired) > 0 {
		r.changed()
	}
	return len(expired)
}

// EvictStale closes and removes agents not heard from within staleAfter.
func (r *Registry) EvictStale(staleAfter time.Duration) []string {
	cutoff := r.now().Add(-staleAfter)

	r.mu.Lock()
	var stale []*ConnectedAgent
	for name, a := range r.agents {
		a.mu.Lock()
		last := a.LastSeen
		a.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, a)
			delete(r.agents, name)
		}
	}
	r.mu.Unlock()

	names := make([]string, 0, len(stale))
	for _, a := range stale {
		names = append(names, a.Info.Name)
		r.tracker.RemoveAgent(a.Info.Name)
		_ = a.Conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
		r.logger.Warn("evicted stale agent",
			slog.String("agent", a.Info.Name),
			slog.Time("last_seen", a.LastSeen),
		)
	}
	sort.Strings(names)
	return names
}

// List returns a snapshot of all connected agents, sorted by name.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	agents := make([]*ConnectedAgent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(agents))
	for _, a := range agents {
		a.mu.Lock()
		out = append(out, Snapshot{
			Name:         a.Info.Name,
			Capabilities: append([]string(nil), a.Info.Capabilities...),
			MaxParallel:  a.maxParallel(),
			Active:       r.tracker.ActiveFor(a.Info.Name),
			Status:       a.Status,
			LastSeen:     a.LastSeen,
			ConnectedAt:  a.ConnectedAt,
		})
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// --- orchestrator.AgentRegistry ---

// Available lists non-draining agents with at least one free slot.
func (r *Registry) Available(_ context.Context) ([]orchestrator.Worker, error) {
	var workers []orchestrator.Worker
	for _, s := range r.List() {
		if s.Status == AgentDraining {
			continue
		}
		free := s.MaxParallel - s.Active
		if free <= 0 {
			continue
		}
		workers = append(workers, orchestrator.Worker{
			Name:         s.Name,
			Capabilities: s.Capabilities,
			FreeSlots:    free,
		})
	}
	return workers, nil
}

// Assign sends a task.assign offer to the agent and reserves a slot.
func (r *Registry) Assign(ctx context.Context, name string, a orchestrator.Assignment) error {
	env, err := protocol.NewEnvelope(protocol.MsgTaskAssign, protocol.TaskAssignment{
		TaskID:   a.TaskID.String(),
		TeamID:   a.TeamID,
		Prompt:   a.Prompt,
		Priority: a.Priority,
		Metadata: a.Metadata,
		Deadline: a.Deadline,
	})
	if err != nil {
		return fmt.Errorf("encoding assignment: %w", err)
	}
	env.TaskID = a.TaskID.String()
	env.TeamID = a.TeamID

	r.tracker.Track(a.TaskID, a.TeamID, name)
	if err := r.send(ctx, name, env); err != nil {
		r.tracker.Remove(a.TaskID)
		return err
	}
	r.logger.Info("task offered to agent",
		slog.String("agent", name),
		slog.String("task_id", a.TaskID.String()),
		slog.String("team_id", a.TeamID),
	)
	return nil
}

// CancelRun tells the agent to stop working on taskID.
func (r *Registry) CancelRun(ctx context.Context, name string, taskID uuid.UUID, reason string) error {
	env, err := protocol.NewEnvelope(protocol.MsgTaskCancel, protocol.TaskCancelPayload{Reason: reason})
	if err != nil {
		return err
	}
	env.TaskID = taskID.String()
	if run, ok := r.tracker.Get(taskID); ok {
		env.TeamID = run.TeamID
	}
	r.Finished(taskID)
	return r.send(ctx, name, env)
}

// --- orchestrator.Deliverer ---

// ToMailboxPayload converts a mailbox message to its wire form.
func ToMailboxPayload(msg orchestrator.Message) protocol.MailboxPayload {
	return protocol.MailboxPayload{
		MessageID: msg.ID.String(),
		TaskRunID: msg.TaskRunID.String(),
		Type:      string(msg.Type),
		Body:      msg.Body,
		SentAt:    msg.SentAt,
	}
}

// Deliver pushes a mailbox message to the agent's connection.
func (r *Registry) Deliver(ctx context.Context, name string, msg orchestrator.Message) error {
	env, err := protocol.NewEnvelope(protocol.MsgMailbox, ToMailboxPayload(msg))
	if err != nil {
		return err
	}
	env.TaskID = msg.TaskID.String()
	env.TeamID = msg.TeamID
	return r.send(ctx, name, env)
}

func (r *Registry) send(ctx context.Context, name string, env *protocol.Envelope) error {
	a, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, name)
	}
	env.AgentID = name
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := a.Conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s to agent %s: %w", env.Type, name, err)
	}
	return nil
}

var (
	_ orchestrator.AgentRegistry = (*Registry)(nil)
	_ orchestrator.Deliverer     = (*Registry)(nil)
)
