package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/storage"
)

func newTestClient(t *testing.T) (*mcpclient.Client, *orchestrator.Engine) {
	t.Helper()
	engine := orchestrator.NewEngine(storage.NewMemoryStore(), nil, nil, nil, nil, orchestrator.EngineConfig{})
	srv, err := NewServer(engine, "team-a", "test", nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	client, err := mcpclient.NewInProcessClient(srv.MCPServer())
	if err != nil {
		t.Fatalf("in-process client: %v", err)
	}
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "taskforge-test", Version: "0.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return client, engine
}

func call(t *testing.T, c *mcpclient.Client, name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	var text strings.Builder
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text.WriteString(tc.Text)
		}
	}
	return text.String(), res.IsError
}

func TestNewServer_RequiresTeam(t *testing.T) {
	if _, err := NewServer(nil, "", "test", nil); err == nil {
		t.Fatal("expected error without a team")
	}
}

func TestTools_Listed(t *testing.T) {
	client, _ := newTestClient(t)
	res, err := client.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"create_task", "list_tasks", "get_task", "cancel_task",
		"reassign_task", "send_message", "team_summary", "execution_order",
	} {
		if !names[want] {
			t.Errorf("tool %q not registered", want)
		}
	}
}

func TestTools_CreateAndGet(t *testing.T) {
	client, engine := newTestClient(t)

	text, isErr := call(t, client, "create_task", map[string]any{
		"prompt":     "upgrade the base image",
		"priority":   2,
		"agent_name": "builder",
	})
	if isErr {
		t.Fatalf("create_task failed: %s", text)
	}
	var created orchestrator.Task
	if err := json.Unmarshal([]byte(text), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.TeamID != "team-a" || created.Priority != 2 || created.RequestedAgent() != "builder" {
		t.Errorf("created = %+v", created)
	}

	stored, err := engine.GetTask(context.Background(), "team-a", created.ID)
	if err != nil {
		t.Fatalf("engine get: %v", err)
	}
	if stored.Prompt != "upgrade the base image" {
		t.Errorf("prompt = %q", stored.Prompt)
	}

	text, isErr = call(t, client, "get_task", map[string]any{"id": created.ID.String()})
	if isErr {
		t.Fatalf("get_task failed: %s", text)
	}
	var detail struct {
		Task         orchestrator.Task           `json:"task"`
		Dependencies orchestrator.DependencyInfo `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(text), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Task.ID != created.ID || detail.Dependencies.TotalDeps != 0 {
		t.Errorf("detail = %+v", detail)
	}
}

func TestTools_Errors(t *testing.T) {
	client, _ := newTestClient(t)

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"missing prompt", "create_task", map[string]any{"priority": 1}, "prompt"},
		{"bad priority", "create_task", map[string]any{"prompt": "x", "priority": 42}, "validation"},
		{"bad dependency", "create_task", map[string]any{"prompt": "x", "priority": 1, "dependencies": []any{"zzz"}}, "invalid dependency"},
		{"malformed id", "get_task", map[string]any{"id": "nope"}, "invalid id"},
		{"unknown task", "cancel_task", map[string]any{"id": "8b7c4f4e-8f7a-4c0e-9d1a-0e5d6f2b9a10"}, "not_found"},
		{"bad status", "list_tasks", map[string]any{"status": "sleeping"}, "validation"},
		{"bad message type", "send_message", map[string]any{"run_id": "8b7c4f4e-8f7a-4c0e-9d1a-0e5d6f2b9a10", "message_type": "yell", "body": "x"}, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, client, tt.tool, tt.args)
			if !isErr {
				t.Fatalf("expected tool error, got %s", text)
			}
			if !strings.Contains(text, tt.want) {
				t.Errorf("error %q does not mention %q", text, tt.want)
			}
		})
	}
}

func TestTools_CancelCascadeAndOrder(t *testing.T) {
	client, engine := newTestClient(t)
	ctx := context.Background()

	a, err := engine.CreateTask(ctx, orchestrator.CreateTaskRequest{TeamID: "team-a", Prompt: "a", Priority: 5})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := engine.CreateTask(ctx, orchestrator.CreateTaskRequest{TeamID: "team-a", Prompt: "b", Priority: 1, Dependencies: []uuid.UUID{a.ID}})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	text, isErr := call(t, client, "execution_order", nil)
	if isErr {
		t.Fatalf("execution_order failed: %s", text)
	}
	var order []string
	if err := json.Unmarshal([]byte(text), &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if len(order) != 2 || order[0] != a.ID.String() || order[1] != b.ID.String() {
		t.Errorf("order = %v", order)
	}

	text, isErr = call(t, client, "cancel_task", map[string]any{"id": a.ID.String(), "cascade": true})
	if isErr {
		t.Fatalf("cancel_task failed: %s", text)
	}
	var outcomes []orchestrator.CancelOutcome
	if err := json.Unmarshal([]byte(text), &outcomes); err != nil {
		t.Fatalf("decode outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %+v, want 2", outcomes)
	}

	text, _ = call(t, client, "team_summary", nil)
	var summary orchestrator.Summary
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.StatusCounts[orchestrator.TaskCancelled] != 2 {
		t.Errorf("cancelled count = %d, want 2", summary.StatusCounts[orchestrator.TaskCancelled])
	}
}
