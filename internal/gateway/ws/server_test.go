package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/taskforge/internal/agent"
	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/observability"
	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/protocol"
	"github.com/jkaninda/taskforge/internal/storage"
)

const testToken = "agent-secret"

type testGateway struct {
	engine   *orchestrator.Engine
	registry *agent.Registry
	metrics  *observability.MetricsCollector
	server   *httptest.Server
	wsURL    string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	registry := agent.NewRegistry(nil)
	engine := orchestrator.NewEngine(storage.NewMemoryStore(), registry, registry, nil, nil, orchestrator.EngineConfig{
		Scheduler: orchestrator.SchedulerConfig{
			PollInterval: 50 * time.Millisecond,
			AckTimeout:   5 * time.Second,
		},
	})
	registry.OnChange(engine.AgentsChanged)

	metrics := observability.NewMetricsCollector()
	srv := NewServer(registry, engine, &config.WebSocketConfig{AgentToken: testToken}, metrics, nil, discardLogger())
	ts := httptest.NewServer(srv.Handler())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		ts.Close()
		<-done
	})

	return &testGateway{
		engine:   engine,
		registry: registry,
		metrics:  metrics,
		server:   ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

// startWorker runs an agent.Client against the gateway until the test ends.
func (g *testGateway) startWorker(t *testing.T, name string, handler agent.TaskHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client := agent.NewClient(agent.ClientConfig{
		GatewayURL:        g.wsURL,
		Token:             testToken,
		Name:              name,
		MaxParallel:       2,
		ReconnectInterval: 50 * time.Millisecond,
	}, handler, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "agent registration", func() bool {
		_, ok := g.registry.Get(name)
		return ok
	})
}

func (g *testGateway) createTask(t *testing.T, prompt string) *orchestrator.Task {
	t.Helper()
	task, err := g.engine.CreateTask(context.Background(), orchestrator.CreateTaskRequest{
		TeamID:   "team-a",
		Prompt:   prompt,
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (g *testGateway) waitStatus(t *testing.T, id uuid.UUID, want orchestrator.TaskStatus) *orchestrator.Task {
	t.Helper()
	var last *orchestrator.Task
	waitFor(t, "task "+string(want), func() bool {
		task, err := g.engine.GetTask(context.Background(), "team-a", id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	})
	return last
}

// --- Authentication ---

func TestServer_RejectsBadToken(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, g.wsURL+"?token=wrong", nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("expected dial to fail with a wrong token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_BearerToken(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, g.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial with bearer token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// --- Registration ---

func TestServer_RegistrationRequiresName(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t)

	writeEnvelope(t, conn, protocol.MsgAgentRegister, "", protocol.AgentCapabilities{MaxParallel: 1})
	env := readEnvelope(t, conn)
	if env.Type != protocol.MsgError {
		t.Fatalf("type = %s, want error", env.Type)
	}
	var p protocol.ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != protocol.ErrCodeBadMessage {
		t.Errorf("code = %q, want %q", p.Code, protocol.ErrCodeBadMessage)
	}
	if g.registry.Count() != 0 {
		t.Error("nameless agent should not be registered")
	}
}

func TestServer_RegisterAndUnknownMessage(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t)

	writeEnvelope(t, conn, protocol.MsgAgentRegister, "", protocol.AgentCapabilities{Name: "raw-1", MaxParallel: 3})
	env := readEnvelope(t, conn)
	if env.Type != protocol.MsgRegistered {
		t.Fatalf("type = %s, want %s", env.Type, protocol.MsgRegistered)
	}
	var reg protocol.RegisteredPayload
	if err := env.Decode(&reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.HeartbeatInterval != "30s" {
		t.Errorf("heartbeat interval = %q, want 30s", reg.HeartbeatInterval)
	}

	workers, _ := g.registry.Available(context.Background())
	if len(workers) != 1 || workers[0].FreeSlots != 3 {
		t.Fatalf("available = %+v, want one worker with 3 slots", workers)
	}

	writeEnvelope(t, conn, "agent.dance", "", nil)
	env = readEnvelope(t, conn)
	var p protocol.ErrorPayload
	_ = env.Decode(&p)
	if env.Type != protocol.MsgError || p.Code != protocol.ErrCodeUnknownType {
		t.Errorf("got %s/%q, want error/%q", env.Type, p.Code, protocol.ErrCodeUnknownType)
	}
}

func TestServer_DeregisterOnDisconnect(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t)

	writeEnvelope(t, conn, protocol.MsgAgentRegister, "", protocol.AgentCapabilities{Name: "raw-1"})
	readEnvelope(t, conn)
	if g.registry.Count() != 1 {
		t.Fatalf("count = %d, want 1", g.registry.Count())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "deregistration", func() bool { return g.registry.Count() == 0 })
}

func TestServer_ReportForUnknownTask(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t)

	writeEnvelope(t, conn, protocol.MsgAgentRegister, "", protocol.AgentCapabilities{Name: "raw-1"})
	readEnvelope(t, conn)

	taskID := uuid.New().String()
	env, _ := protocol.NewEnvelope(protocol.MsgTaskResult, protocol.TaskResultPayload{Result: "done"})
	env.TaskID = taskID
	env.TeamID = "team-a"
	writeRaw(t, conn, env)

	reply := readEnvelope(t, conn)
	var p protocol.ErrorPayload
	_ = reply.Decode(&p)
	if reply.Type != protocol.MsgError || p.Code != protocol.ErrCodeNotFound {
		t.Errorf("got %s/%q, want error/%q", reply.Type, p.Code, protocol.ErrCodeNotFound)
	}
	if reply.TaskID != taskID {
		t.Errorf("error task_id = %q, want %q", reply.TaskID, taskID)
	}
}

// --- End to end with agent.Client ---

func TestServer_TaskCompletes(t *testing.T) {
	g := newTestGateway(t)
	g.startWorker(t, "worker-1", func(_ context.Context, run *agent.Run) (string, error) {
		return "echo: " + run.Assignment.Prompt, nil
	})

	task := g.createTask(t, "summarize the incident")
	done := g.waitStatus(t, task.ID, orchestrator.TaskCompleted)

	if done.Result != "echo: summarize the incident" {
		t.Errorf("result = %q", done.Result)
	}
	if done.TaskRunID == nil {
		t.Error("completed task should carry a run id")
	}
	waitFor(t, "capacity release", func() bool {
		return g.registry.Tracker().Len() == 0
	})
}

func TestServer_TaskFails(t *testing.T) {
	g := newTestGateway(t)
	g.startWorker(t, "worker-1", func(context.Context, *agent.Run) (string, error) {
		return "", errors.New("disk full")
	})

	task := g.createTask(t, "build the image")
	failed := g.waitStatus(t, task.ID, orchestrator.TaskFailed)
	if failed.ErrorMessage != "disk full" {
		t.Errorf("error message = %q, want %q", failed.ErrorMessage, "disk full")
	}
}

func TestServer_MailboxReachesRunningAgent(t *testing.T) {
	g := newTestGateway(t)
	g.startWorker(t, "worker-1", func(ctx context.Context, run *agent.Run) (string, error) {
		select {
		case msg := <-run.Mailbox:
			return msg.Type + ":" + msg.Body, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	task := g.createTask(t, "wait for instructions")
	running := g.waitStatus(t, task.ID, orchestrator.TaskRunning)

	if _, err := g.engine.SendMessage(context.Background(), "team-a", *running.TaskRunID, orchestrator.MessageRequest, "use staging"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	done := g.waitStatus(t, task.ID, orchestrator.TaskCompleted)
	if done.Result != "request:use staging" {
		t.Errorf("result = %q, want %q", done.Result, "request:use staging")
	}
}

func TestServer_CancelStopsRun(t *testing.T) {
	g := newTestGateway(t)
	stopped := make(chan struct{})
	g.startWorker(t, "worker-1", func(ctx context.Context, _ *agent.Run) (string, error) {
		<-ctx.Done()
		close(stopped)
		return "", ctx.Err()
	})

	task := g.createTask(t, "long job")
	g.waitStatus(t, task.ID, orchestrator.TaskRunning)

	outcomes, err := g.engine.CancelTask(context.Background(), "team-a", task.ID, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("agent run was not cancelled")
	}
	if got := g.waitStatus(t, task.ID, orchestrator.TaskCancelled); got.Status != orchestrator.TaskCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestServer_RecordsMetrics(t *testing.T) {
	g := newTestGateway(t)
	g.startWorker(t, "worker-1", func(context.Context, *agent.Run) (string, error) {
		return "ok", nil
	})

	task := g.createTask(t, "count me")
	g.waitStatus(t, task.ID, orchestrator.TaskCompleted)

	families, err := g.metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "taskforge_agent_runs_total" {
			found = true
		}
	}
	if !found {
		t.Error("taskforge_agent_runs_total not recorded")
	}
}

// --- Helpers ---

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, g.wsURL+"?token="+testToken, &websocket.DialOptions{
		Subprotocols: []string{agent.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, taskID string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.TaskID = taskID
	writeRaw(t, conn, env)
}

func writeRaw(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
