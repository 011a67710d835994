// Package mcp exposes the task engine as MCP (Model Context Protocol) tools,
// so coding assistants can enqueue tasks, follow their progress, and message
// running agents. A server acts on behalf of a single team.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// Server wraps an MCP server whose tools call the engine.
type Server struct {
	engine *orchestrator.Engine
	teamID string
	mcp    *server.MCPServer
	logger *slog.Logger
}

// NewServer builds the tool server for teamID.
func NewServer(engine *orchestrator.Engine, teamID, version string, logger *slog.Logger) (*Server, error) {
	if teamID == "" {
		return nil, errors.New("mcp: team id is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		engine: engine,
		teamID: teamID,
		logger: logger,
		mcp: server.NewMCPServer("taskforge", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions("Manage the task queue of team "+teamID+". Tasks run on remote agents once their dependencies complete."),
		),
	}
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves JSON-RPC over in/out until ctx is cancelled or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio", slog.String("team_id", s.teamID))
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a task. It becomes ready once every dependency has completed."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What the agent should do")),
		mcp.WithNumber("priority", mcp.Required(), mcp.Min(orchestrator.MinPriority), mcp.Max(orchestrator.MaxPriority),
			mcp.Description("1 (highest) to 10 (lowest)")),
		mcp.WithArray("dependencies", mcp.WithStringItems(), mcp.Description("IDs of tasks that must complete first")),
		mcp.WithString("agent_name", mcp.Description("Only this agent may run the task")),
	), s.createTask)

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List the team's tasks, newest first"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("status", mcp.Enum(statusNames()...)),
		mcp.WithNumber("limit", mcp.Min(0)),
	), s.listTasks)

	s.mcp.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task with its dependency status"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("id", mcp.Required()),
	), s.getTask)

	s.mcp.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a task. With cascade, every task that depends on it is cancelled too."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("id", mcp.Required()),
		mcp.WithBoolean("cascade", mcp.DefaultBool(false)),
	), s.cancelTask)

	s.mcp.AddTool(mcp.NewTool("reassign_task",
		mcp.WithDescription("Hand an assigned or running task to another agent"),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("agent_name", mcp.Required()),
	), s.reassignTask)

	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to the agent executing a task run"),
		mcp.WithString("run_id", mcp.Required()),
		mcp.WithString("message_type", mcp.Required(),
			mcp.Enum(string(orchestrator.MessageRequest), string(orchestrator.MessageStatus), string(orchestrator.MessageHandoff))),
		mcp.WithString("body", mcp.Required()),
	), s.sendMessage)

	s.mcp.AddTool(mcp.NewTool("team_summary",
		mcp.WithDescription("Task counts by status, active agents, and recent tasks"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.summary)

	s.mcp.AddTool(mcp.NewTool("execution_order",
		mcp.WithDescription("Task IDs in an order that respects dependencies"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.executionOrder)
}

func (s *Server) createTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	priority, err := req.RequireInt("priority")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var deps []uuid.UUID
	for _, raw := range req.GetStringSlice("dependencies", nil) {
		id, err := uuid.Parse(raw)
		if err != nil {
			return mcp.NewToolResultErrorf("invalid dependency id %q", raw), nil
		}
		deps = append(deps, id)
	}
	var metadata map[string]any
	if name := req.GetString("agent_name", ""); name != "" {
		metadata = map[string]any{orchestrator.MetadataAgentName: name}
	}

	task, err := s.engine.CreateTask(ctx, orchestrator.CreateTaskRequest{
		TeamID:       s.teamID,
		Prompt:       prompt,
		Priority:     priority,
		Dependencies: deps,
		Metadata:     metadata,
	})
	if err != nil {
		return toolError("create_task", err), nil
	}
	s.logger.InfoContext(ctx, "task created via mcp", slog.String("task_id", task.ID.String()))
	return jsonResult(task)
}

func (s *Server) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status *orchestrator.TaskStatus
	if raw := req.GetString("status", ""); raw != "" {
		st, err := orchestrator.ParseStatus(raw)
		if err != nil {
			return toolError("list_tasks", err), nil
		}
		status = &st
	}
	tasks, err := s.engine.ListTasks(ctx, s.teamID, status, req.GetInt("limit", 0))
	if err != nil {
		return toolError("list_tasks", err), nil
	}
	return jsonResult(tasks)
}

// TaskDetail is the get_task result.
type TaskDetail struct {
	Task         *orchestrator.Task           `json:"task"`
	Dependencies *orchestrator.DependencyInfo `json:"dependencies"`
}

func (s *Server) getTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireUUID(req, "id")
	if errResult != nil {
		return errResult, nil
	}
	task, err := s.engine.GetTask(ctx, s.teamID, id)
	if err != nil {
		return toolError("get_task", err), nil
	}
	info, err := s.engine.DependencyInfo(ctx, s.teamID, id)
	if err != nil {
		return toolError("get_task", err), nil
	}
	return jsonResult(TaskDetail{Task: task, Dependencies: info})
}

func (s *Server) cancelTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireUUID(req, "id")
	if errResult != nil {
		return errResult, nil
	}
	outcomes, err := s.engine.CancelTask(ctx, s.teamID, id, req.GetBool("cascade", false))
	if err != nil {
		return toolError("cancel_task", err), nil
	}
	return jsonResult(outcomes)
}

func (s *Server) reassignTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireUUID(req, "id")
	if errResult != nil {
		return errResult, nil
	}
	name, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.engine.ReassignTask(ctx, s.teamID, id, name)
	if err != nil {
		return toolError("reassign_task", err), nil
	}
	return jsonResult(task)
}

func (s *Server) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, errResult := requireUUID(req, "run_id")
	if errResult != nil {
		return errResult, nil
	}
	msgType, err := orchestrator.ParseMessageType(req.GetString("message_type", ""))
	if err != nil {
		return toolError("send_message", err), nil
	}
	body, err := req.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, err := s.engine.SendMessage(ctx, s.teamID, runID, msgType, body)
	if err != nil {
		return toolError("send_message", err), nil
	}
	return jsonResult(msg)
}

func (s *Server) summary(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := s.engine.Summarize(ctx, s.teamID)
	if err != nil {
		return toolError("team_summary", err), nil
	}
	return jsonResult(summary)
}

func (s *Server) executionOrder(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	order, err := s.engine.ExecutionOrder(ctx, s.teamID)
	if err != nil {
		return toolError("execution_order", err), nil
	}
	if order == nil {
		order = []uuid.UUID{}
	}
	return jsonResult(order)
}

// --- Helpers ---

func requireUUID(req mcp.CallToolRequest, key string) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString(key)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(err.Error())
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultErrorf("invalid %s %q", key, raw)
	}
	return id, nil
}

// toolError reports engine errors as tool-level failures so the model sees them.
func toolError(tool string, err error) *mcp.CallToolResult {
	kind := "internal"
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		kind = "validation"
	case errors.Is(err, orchestrator.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, orchestrator.ErrForbidden):
		kind = "forbidden"
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrInvalidTransition):
		kind = "invalid_state"
	}
	return mcp.NewToolResultErrorf("%s failed (%s): %v", tool, kind, err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func statusNames() []string {
	names := make([]string, len(orchestrator.AllStatuses))
	for i, st := range orchestrator.AllStatuses {
		names[i] = string(st)
	}
	return names
}
