package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/protocol"
)

// fakeConn records everything the registry writes.
type fakeConn struct {
	mu       sync.Mutex
	writes   []protocol.Envelope
	closed   bool
	code     websocket.StatusCode
	writeErr error
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var env protocol.Envelope
	if err := json.Unmarshal(p, &env); err != nil {
		return err
	}
	c.writes = append(c.writes, env)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	return nil
}

func (c *fakeConn) last(t *testing.T) protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		t.Fatal("nothing written")
	}
	return c.writes[len(c.writes)-1]
}

func caps(name string, maxParallel int) protocol.AgentCapabilities {
	return protocol.AgentCapabilities{Name: name, Capabilities: []string{"go"}, MaxParallel: maxParallel}
}

func offer(team string) orchestrator.Assignment {
	return orchestrator.Assignment{
		TaskID:   uuid.New(),
		TeamID:   team,
		Prompt:   "run the migrations",
		Priority: 3,
		Deadline: time.Now().Add(time.Minute),
	}
}

// --- Registration ---

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(caps("zeta", 1), &fakeConn{})
	r.Register(caps("alpha", 2), &fakeConn{})

	if r.Count() != 2 {
		t.Fatalf("count = %d, want 2", r.Count())
	}
	list := r.List()
	if list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("list not sorted: %s, %s", list[0].Name, list[1].Name)
	}
	if list[0].MaxParallel != 2 || list[0].Status != AgentIdle {
		t.Errorf("alpha snapshot = %+v", list[0])
	}
}

func TestRegistry_ReplaceClosesOldConnection(t *testing.T) {
	r := NewRegistry(nil)
	first := &fakeConn{}
	second := &fakeConn{}
	r.Register(caps("worker-1", 1), first)
	r.Register(caps("worker-1", 1), second)

	if !first.closed || first.code != websocket.StatusPolicyViolation {
		t.Errorf("old connection closed=%v code=%v", first.closed, first.code)
	}

	// The replaced connection's late disconnect must not evict the new one.
	r.Deregister("worker-1", first)
	if _, ok := r.Get("worker-1"); !ok {
		t.Fatal("stale deregister removed the current connection")
	}
	r.Deregister("worker-1", second)
	if r.Count() != 0 {
		t.Errorf("count = %d, want 0", r.Count())
	}
}

func TestRegistry_OnChange(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	r.OnChange(func() { calls++ })

	conn := &fakeConn{}
	r.Register(caps("worker-1", 1), conn)
	if calls != 1 {
		t.Fatalf("calls after register = %d, want 1", calls)
	}

	a := offer("team-a")
	if err := r.Assign(context.Background(), "worker-1", a); err != nil {
		t.Fatalf("assign: %v", err)
	}
	r.Finished(a.TaskID)
	if calls != 2 {
		t.Errorf("calls after finish = %d, want 2", calls)
	}

	// Finishing an unknown task changes nothing.
	r.Finished(uuid.New())
	if calls != 2 {
		t.Errorf("calls after unknown finish = %d, want 2", calls)
	}
}

// --- Capacity ---

func TestRegistry_AvailableCountsOffers(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(caps("worker-1", 2), &fakeConn{})
	r.Register(caps("worker-2", 0), &fakeConn{}) // defaults to one slot

	ctx := context.Background()
	workers, _ := r.Available(ctx)
	if len(workers) != 2 {
		t.Fatalf("available = %d, want 2", len(workers))
	}
	if workers[0].FreeSlots != 2 || workers[1].FreeSlots != 1 {
		t.Errorf("free slots = %d/%d, want 2/1", workers[0].FreeSlots, workers[1].FreeSlots)
	}

	_ = r.Assign(ctx, "worker-1", offer("team-a"))
	_ = r.Assign(ctx, "worker-2", offer("team-a"))

	workers, _ = r.Available(ctx)
	if len(workers) != 1 || workers[0].Name != "worker-1" || workers[0].FreeSlots != 1 {
		t.Errorf("available after offers = %+v", workers)
	}
}

func TestRegistry_DrainingExcluded(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(caps("worker-1", 1), &fakeConn{})
	r.SetDraining("worker-1")

	// Heartbeats do not undo draining.
	r.UpdateHeartbeat("worker-1", 0)

	workers, _ := r.Available(context.Background())
	if len(workers) != 0 {
		t.Errorf("draining agent offered work: %+v", workers)
	}
	if got := r.List()[0].Status; got != AgentDraining {
		t.Errorf("status = %s, want draining", got)
	}
}

func TestRegistry_HeartbeatStatus(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(caps("worker-1", 4), &fakeConn{})

	r.UpdateHeartbeat("worker-1", 2)
	a, _ := r.Get("worker-1")
	if a.Status != AgentBusy || a.Reported != 2 {
		t.Errorf("status=%s reported=%d, want busy/2", a.Status, a.Reported)
	}
	r.UpdateHeartbeat("worker-1", 0)
	if a.Status != AgentIdle {
		t.Errorf("status = %s, want idle", a.Status)
	}
}

// --- Dispatch ---

func TestRegistry_AssignSendsOffer(t *testing.T) {
	r := NewRegistry(nil)
	conn := &fakeConn{}
	r.Register(caps("worker-1", 1), conn)

	a := offer("team-a")
	if err := r.Assign(context.Background(), "worker-1", a); err != nil {
		t.Fatalf("assign: %v", err)
	}

	env := conn.last(t)
	if env.Type != protocol.MsgTaskAssign {
		t.Fatalf("type = %s, want %s", env.Type, protocol.MsgTaskAssign)
	}
	if env.TaskID != a.TaskID.String() || env.TeamID != "team-a" || env.AgentID != "worker-1" {
		t.Errorf("envelope = %+v", env)
	}
	var payload protocol.TaskAssignment
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Prompt != a.Prompt || payload.Priority != 3 {
		t.Errorf("payload = %+v", payload)
	}

	run, ok := r.Tracker().Get(a.TaskID)
	if !ok || run.State != RunDispatched || run.TeamID != "team-a" {
		t.Errorf("tracked run = %+v, ok=%v", run, ok)
	}
}

func TestRegistry_AssignFailureReleasesSlot(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(caps("worker-1", 1), &fakeConn{writeErr: errors.New("broken pipe")})

	a := offer("team-a")
	if err := r.Assign(context.Background(), "worker-1", a); err == nil {
		t.Fatal("expected write error")
	}
	if r.Tracker().Len() != 0 {
		t.Error("failed offer should not hold capacity")
	}
}

func TestRegistry_AssignUnknownAgent(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Assign(context.Background(), "ghost", offer("team-a"))
	if !errors.Is(err, ErrAgentNotConnected) {
		t.Errorf("err = %v, want ErrAgentNotConnected", err)
	}
}

func TestRegistry_CancelRun(t *testing.T) {
	r := NewRegistry(nil)
	conn := &fakeConn{}
	r.Register(caps("worker-1", 1), conn)

	a := offer("team-b")
	_ = r.Assign(context.Background(), "worker-1", a)
	r.Accepted("worker-1", a.TaskID)

	if err := r.CancelRun(context.Background(), "worker-1", a.TaskID, "cancelled by caller"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env := conn.last(t)
	if env.Type != protocol.MsgTaskCancel || env.TeamID != "team-b" {
		t.Errorf("envelope = %+v", env)
	}
	var payload protocol.TaskCancelPayload
	_ = env.Decode(&payload)
	if payload.Reason != "cancelled by caller" {
		t.Errorf("reason = %q", payload.Reason)
	}
	if r.Tracker().ActiveFor("worker-1") != 0 {
		t.Error("cancel should release the slot")
	}
}

func TestRegistry_Deliver(t *testing.T) {
	r := NewRegistry(nil)
	conn := &fakeConn{}
	r.Register(caps("worker-1", 1), conn)

	msg := orchestrator.Message{
		ID:        uuid.New(),
		TeamID:    "team-a",
		TaskID:    uuid.New(),
		TaskRunID: uuid.New(),
		Type:      orchestrator.MessageHandoff,
		Body:      "worker-2 takes over",
		SentAt:    time.Now().UTC(),
	}
	if err := r.Deliver(context.Background(), "worker-1", msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	env := conn.last(t)
	if env.Type != protocol.MsgMailbox || env.TaskID != msg.TaskID.String() {
		t.Fatalf("envelope = %+v", env)
	}
	var payload protocol.MailboxPayload
	_ = env.Decode(&payload)
	if payload.TaskRunID != msg.TaskRunID.String() || payload.Type != "handoff" || payload.Body != msg.Body {
		t.Errorf("payload = %+v", payload)
	}

	if err := r.Deliver(context.Background(), "ghost", msg); !errors.Is(err, ErrAgentNotConnected) {
		t.Errorf("deliver to unknown agent: %v", err)
	}
}

// --- Maintenance ---

func TestRegistry_ExpireOffers(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.tracker.now = func() time.Time { return now }
	r.Register(caps("worker-1", 2), &fakeConn{})

	changes := 0
	r.OnChange(func() { changes++ })

	stale := offer("team-a")
	accepted := offer("team-a")
	_ = r.Assign(context.Background(), "worker-1", stale)
	_ = r.Assign(context.Background(), "worker-1", accepted)
	r.Accepted("worker-1", accepted.TaskID)

	now = now.Add(time.Minute)
	if n := r.ExpireOffers(30 * time.Second); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if _, ok := r.Tracker().Get(stale.TaskID); ok {
		t.Error("unacknowledged offer still tracked")
	}
	if _, ok := r.Tracker().Get(accepted.TaskID); !ok {
		t.Error("accepted run should survive expiry")
	}
	if changes != 1 {
		t.Errorf("changes = %d, want 1", changes)
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	quiet := &fakeConn{}
	r.Register(caps("quiet", 1), quiet)
	r.Register(caps("chatty", 1), &fakeConn{})
	_ = r.Assign(context.Background(), "quiet", offer("team-a"))

	now = now.Add(5 * time.Minute)
	r.Touch("chatty")

	evicted := r.EvictStale(3 * time.Minute)
	if len(evicted) != 1 || evicted[0] != "quiet" {
		t.Fatalf("evicted = %v, want [quiet]", evicted)
	}
	if !quiet.closed {
		t.Error("evicted connection should be closed")
	}
	if r.Tracker().ActiveFor("quiet") != 0 {
		t.Error("evicted agent still holds runs")
	}
	if _, ok := r.Get("chatty"); !ok {
		t.Error("recently seen agent was evicted")
	}
}

// --- TaskTracker ---

func TestTaskTracker_MarkAccepted(t *testing.T) {
	tr := NewTaskTracker(discard())
	id := uuid.New()
	tr.Track(id, "team-a", "worker-1")

	if tr.MarkAccepted(id, "worker-2") {
		t.Error("accept by another agent should fail")
	}
	if !tr.MarkAccepted(id, "worker-1") {
		t.Fatal("accept by the offered agent should succeed")
	}
	run, _ := tr.Get(id)
	if run.State != RunAccepted || run.AcceptedAt.IsZero() {
		t.Errorf("run = %+v", run)
	}
	if tr.MarkAccepted(uuid.New(), "worker-1") {
		t.Error("accept of unknown task should fail")
	}
}

func TestTaskTracker_RetrackReplaces(t *testing.T) {
	tr := NewTaskTracker(discard())
	id := uuid.New()
	tr.Track(id, "team-a", "worker-1")
	tr.Track(id, "team-a", "worker-2")

	if tr.Len() != 1 {
		t.Fatalf("len = %d, want 1", tr.Len())
	}
	if tr.ActiveFor("worker-1") != 0 || tr.ActiveFor("worker-2") != 1 {
		t.Error("re-offer should move the slot to the new agent")
	}
	if n := tr.RemoveAgent("worker-2"); n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
}
