// Package httpapi implements the caller-facing HTTP API for taskforge.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Each key maps to a user and the team whose tasks it may touch
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/taskforge/internal/agent"
	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/observability"
	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// RateLimitedBody is returned with 429.
type RateLimitedBody struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []config.APIKeyConfig
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// AgentLister lists connected agents for GET /v1/agents.
type AgentLister interface {
	List() []agent.Snapshot
}

// caller is the identity an API key resolves to.
type caller struct {
	userID string
	teamID string
	key    []byte // raw key or sha256 digest
	hashed bool
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	engine  *orchestrator.Engine
	agents  AgentLister // nil = /v1/agents disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	callers []caller

	sseEnabled bool

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket agent endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway in front of engine.
func NewGateway(cfg Config, engine *orchestrator.Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		engine:  engine,
		limiter: rl,
		logger:  logger,
		callers: parseKeys(cfg.APIKeys),
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithAgents exposes the connected agent list.
func (g *Gateway) WithAgents(agents AgentLister) *Gateway {
	g.agents = agents
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "taskforge",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithSSE enables the task event stream.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the agent WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.group = g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		requestID,
		g.authenticate,
		g.rateLimit,
	)

	g.group.Get("/tasks", g.handleTaskList,
		okapi.DocSummary("List the team's tasks, newest first (query: status, limit)"),
		okapi.DocTags("Tasks"),
		okapi.DocResponse([]orchestrator.Task{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/tasks", g.handleTaskCreate,
		okapi.DocSummary("Create a task"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(CreateTaskRequest{}),
		okapi.DocResponse(http.StatusCreated, orchestrator.Task{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, RateLimitedBody{}),
	)
	g.group.Get("/tasks/{id}", g.handleTaskGet,
		okapi.DocSummary("Get a task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID"),
		okapi.DocResponse(orchestrator.Task{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/tasks/{id}/dependencies", g.handleTaskDependencies,
		okapi.DocSummary("Dependency status of a task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID"),
		okapi.DocResponse(DependenciesResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/tasks/{id}/cancel", g.handleTaskCancel,
		okapi.DocSummary("Cancel a task; ?cascade=true also cancels its dependents"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID"),
		okapi.DocResponse(CancelResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/tasks/{id}/reassign", g.handleTaskReassign,
		okapi.DocSummary("Hand an active task to another agent"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID"),
		okapi.DocRequestBody(ReassignRequest{}),
		okapi.DocResponse(orchestrator.Task{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/runs/{runId}/messages", g.handleSendMessage,
		okapi.DocSummary("Send a mailbox message to the agent running a task"),
		okapi.DocTags("Mailbox"),
		okapi.DocPathParam("runId", "string", "Task run ID"),
		okapi.DocRequestBody(SendMessageRequest{}),
		okapi.DocResponse(http.StatusAccepted, orchestrator.Message{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/summary", g.handleSummary,
		okapi.DocSummary("Aggregate task and agent summary for the team"),
		okapi.DocTags("Summary"),
		okapi.DocResponse(orchestrator.Summary{}),
	)
	g.group.Get("/execution-order", g.handleExecutionOrder,
		okapi.DocSummary("The team's tasks in dependency order"),
		okapi.DocTags("Tasks"),
		okapi.DocResponse(ExecutionOrderResponse{}),
	)
	if g.agents != nil {
		g.group.Get("/agents", g.handleAgents,
			okapi.DocSummary("Connected agents"),
			okapi.DocTags("Agents"),
			okapi.DocResponse([]agent.Snapshot{}),
		)
	}
	if g.sseEnabled {
		g.group.Get("/events", g.handleEvents,
			okapi.DocSummary("Stream the team's task events via SSE"),
			okapi.DocTags("Tasks"),
		)
	}

	// Extra handlers (e.g., WebSocket agent endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	writeTimeout := 60 * time.Second
	if g.sseEnabled {
		// Event streams stay open indefinitely.
		writeTimeout = 0
	}
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Task handlers ---

// CreateTaskRequest is the JSON body for POST /v1/tasks.
type CreateTaskRequest struct {
	Prompt       string         `json:"prompt"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (g *Gateway) handleTaskCreate(c *okapi.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	deps := make([]uuid.UUID, 0, len(req.Dependencies))
	for _, raw := range req.Dependencies {
		id, err := uuid.Parse(raw)
		if err != nil {
			return badRequest(c, "invalid dependency id "+strconv.Quote(raw))
		}
		deps = append(deps, id)
	}

	task, err := g.engine.CreateTask(c.Context(), orchestrator.CreateTaskRequest{
		TeamID:       c.GetString("teamID"),
		Prompt:       req.Prompt,
		Priority:     req.Priority,
		Dependencies: deps,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return g.writeError(c, err)
	}

	g.logger.Info("task created via http",
		slog.String("user_id", c.GetString("userID")),
		slog.String("team_id", task.TeamID),
		slog.String("task_id", task.ID.String()),
		slog.String("request_id", c.GetString("requestID")),
	)
	return c.JSON(http.StatusCreated, task)
}

func (g *Gateway) handleTaskList(c *okapi.Context) error {
	q := c.Request().URL.Query()

	var status *orchestrator.TaskStatus
	if raw := q.Get("status"); raw != "" {
		s, err := orchestrator.ParseStatus(raw)
		if err != nil {
			return g.writeError(c, err)
		}
		status = &s
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		limit = n
	}

	tasks, err := g.engine.ListTasks(c.Context(), c.GetString("teamID"), status, limit)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(tasks)
}

func (g *Gateway) handleTaskGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid task ID")
	}
	task, err := g.engine.GetTask(c.Context(), c.GetString("teamID"), id)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(task)
}

// DependenciesResponse is the JSON response for GET /v1/tasks/{id}/dependencies.
type DependenciesResponse struct {
	TaskID string `json:"task_id"`
	Ready  bool   `json:"ready"`
	*orchestrator.DependencyInfo
}

func (g *Gateway) handleTaskDependencies(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid task ID")
	}
	info, err := g.engine.DependencyInfo(c.Context(), c.GetString("teamID"), id)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(DependenciesResponse{
		TaskID:         id.String(),
		Ready:          info.PendingDeps == 0,
		DependencyInfo: info,
	})
}

// CancelResponse is the JSON response for POST /v1/tasks/{id}/cancel.
type CancelResponse struct {
	Cancelled int                          `json:"cancelled"`
	Outcomes  []orchestrator.CancelOutcome `json:"outcomes"`
}

func (g *Gateway) handleTaskCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid task ID")
	}
	cascade := false
	if raw := c.Request().URL.Query().Get("cascade"); raw != "" {
		cascade, err = strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "cascade must be a boolean")
		}
	}

	outcomes, err := g.engine.CancelTask(c.Context(), c.GetString("teamID"), id, cascade)
	if err != nil {
		return g.writeError(c, err)
	}
	cancelled := 0
	for _, o := range outcomes {
		if o.Changed {
			cancelled++
		}
	}

	g.logger.Info("task cancel requested",
		slog.String("user_id", c.GetString("userID")),
		slog.String("task_id", id.String()),
		slog.Bool("cascade", cascade),
		slog.Int("cancelled", cancelled),
		slog.String("request_id", c.GetString("requestID")),
	)
	return c.OK(CancelResponse{Cancelled: cancelled, Outcomes: outcomes})
}

// ReassignRequest is the JSON body for POST /v1/tasks/{id}/reassign.
type ReassignRequest struct {
	AgentName string `json:"agent_name"`
}

func (g *Gateway) handleTaskReassign(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid task ID")
	}
	var req ReassignRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	task, err := g.engine.ReassignTask(c.Context(), c.GetString("teamID"), id, req.AgentName)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(task)
}

// --- Mailbox ---

// SendMessageRequest is the JSON body for POST /v1/runs/{runId}/messages.
type SendMessageRequest struct {
	Type string `json:"message_type"` // request, status, or handoff.
	Body string `json:"body"`
}

func (g *Gateway) handleSendMessage(c *okapi.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badRequest(c, "invalid run ID")
	}
	// Bind would treat the "body" field as a nested request body.
	var req SendMessageRequest
	if err := c.BindJSON(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	msgType, err := orchestrator.ParseMessageType(req.Type)
	if err != nil {
		return g.writeError(c, err)
	}

	msg, err := g.engine.SendMessage(c.Context(), c.GetString("teamID"), runID, msgType, req.Body)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, msg)
}

// --- Summary, ordering, agents ---

func (g *Gateway) handleSummary(c *okapi.Context) error {
	summary, err := g.engine.Summarize(c.Context(), c.GetString("teamID"))
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(summary)
}

// ExecutionOrderResponse is the JSON response for GET /v1/execution-order.
type ExecutionOrderResponse struct {
	Order []uuid.UUID `json:"order"`
}

func (g *Gateway) handleExecutionOrder(c *okapi.Context) error {
	order, err := g.engine.ExecutionOrder(c.Context(), c.GetString("teamID"))
	if err != nil {
		return g.writeError(c, err)
	}
	if order == nil {
		order = []uuid.UUID{}
	}
	return c.OK(ExecutionOrderResponse{Order: order})
}

func (g *Gateway) handleAgents(c *okapi.Context) error {
	return c.OK(g.agents.List())
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

func parseKeys(keys []config.APIKeyConfig) []caller {
	out := make([]caller, 0, len(keys))
	for _, k := range keys {
		c := caller{userID: k.UserID, teamID: k.TeamID}
		if c.userID == "" {
			c.userID = k.TeamID
		}
		if digest, ok := strings.CutPrefix(k.Key, "sha256:"); ok {
			raw, err := hex.DecodeString(digest)
			if err == nil && len(raw) == sha256.Size {
				c.key = raw
				c.hashed = true
				out = append(out, c)
				continue
			}
		}
		c.key = []byte(k.Key)
		out = append(out, c)
	}
	return out
}

// authenticate validates the API key and stores the caller's user and team.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "missing or invalid Authorization header"})
		}
		apiKey := []byte(strings.TrimPrefix(authHeader, "Bearer "))
		digest := sha256.Sum256(apiKey)

		var match *caller
		for i := range g.callers {
			cl := &g.callers[i]
			presented := apiKey
			if cl.hashed {
				presented = digest[:]
			}
			if subtle.ConstantTimeCompare(presented, cl.key) == 1 {
				match = cl
			}
		}
		if match == nil {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "invalid API key"})
		}
		c.Set("userID", match.userID)
		c.Set("teamID", match.teamID)
		return next(c)
	}
}

// rateLimit applies the per-caller token bucket after authentication.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.limiter.Unlimited() {
			return next(c)
		}
		key := c.GetString("teamID") + "/" + c.GetString("userID")
		if wait, err := g.limiter.Allow(key); err != nil {
			return c.JSON(http.StatusTooManyRequests, RateLimitedBody{
				Error:             "rate limit exceeded",
				RetryAfterSeconds: int(math.Ceil(wait.Seconds())),
			})
		}
		return next(c)
	}
}

// --- Helpers ---

// writeError maps orchestrator errors to HTTP responses.
func (g *Gateway) writeError(c *okapi.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnauthenticated):
		code = http.StatusUnauthorized
	case errors.Is(err, orchestrator.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, orchestrator.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidState),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrConflict):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		g.logger.Error("request failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("request_id", c.GetString("requestID")),
			slog.String("error", err.Error()),
		)
		return c.JSON(code, ErrorBody{Error: "internal error"})
	}
	return c.JSON(code, ErrorBody{Error: err.Error()})
}

func badRequest(c *okapi.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: msg})
}

// RequestIDHeader carries the id that ties a response to its log lines.
const RequestIDHeader = "X-Request-ID"

// requestID echoes a well-formed caller-supplied id or generates one, and
// exposes it on the response and to handlers as "requestID".
func requestID(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		id := c.Header(RequestIDHeader)
		if !validRequestID(id) {
			b := make([]byte, 8)
			_, _ = rand.Read(b)
			id = hex.EncodeToString(b)
		}
		c.Set("requestID", id)
		c.SetHeader(RequestIDHeader, id)
		return next(c)
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
