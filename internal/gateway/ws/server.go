// Package ws implements the WebSocket endpoint worker agents connect to.
// Agents register their name and capacity, receive task offers and mailbox
// messages, and report acknowledgments and outcomes back over the same
// connection.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/taskforge/internal/agent"
	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/observability"
	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/protocol"
)

const registrationTimeout = 10 * time.Second

// Reports is the part of the engine that agents drive.
type Reports interface {
	AcknowledgeAssignment(ctx context.Context, teamID string, id uuid.UUID, agentName string) (*orchestrator.Task, error)
	CompleteTask(ctx context.Context, teamID string, id uuid.UUID, agentName, result string) (*orchestrator.Task, error)
	FailTask(ctx context.Context, teamID string, id uuid.UUID, agentName, errMsg string) (*orchestrator.Task, error)
}

// Server accepts agent connections and relays their reports to the engine.
type Server struct {
	registry *agent.Registry
	reports  Reports
	cfg      *config.WebSocketConfig
	metrics  *observability.MetricsCollector
	anomaly  *observability.AnomalyDetector
	logger   *slog.Logger
}

// NewServer creates a WebSocket server. metrics and anomaly may be nil.
func NewServer(registry *agent.Registry, reports Reports, cfg *config.WebSocketConfig,
	metrics *observability.MetricsCollector, anomaly *observability.AnomalyDetector, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		reports:  reports,
		cfg:      cfg,
		metrics:  metrics,
		anomaly:  anomaly,
		logger:   logger,
	}
}

// Registry returns the agent registry managed by this server.
func (s *Server) Registry() *agent.Registry {
	return s.registry
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg != nil && s.cfg.AgentToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AgentToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{agent.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	var name string
	defer func() {
		if name != "" {
			s.registry.Deregister(name, conn)
			s.updateConnectedGauge()
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	name, err := s.waitForRegistration(ctx, conn)
	if err != nil {
		s.logger.Warn("agent registration failed", slog.String("error", err.Error()))
		return
	}
	s.updateConnectedGauge()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn, name)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("agent disconnected normally", slog.String("agent", name))
			} else {
				s.logger.Warn("agent connection error",
					slog.String("agent", name),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from agent",
				slog.String("agent", name),
				slog.String("error", err.Error()),
			)
			s.sendError(ctx, conn, "", protocol.ErrCodeBadMessage, "message is not valid JSON")
			continue
		}
		env.AgentID = name

		if s.metrics != nil {
			s.metrics.AgentMessagesTotal.WithLabelValues(string(env.Type)).Inc()
		}
		s.handleMessage(ctx, conn, name, &env)
	}
}

func (s *Server) waitForRegistration(ctx context.Context, conn *websocket.Conn) (string, error) {
	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	_, data, err := conn.Read(regCtx)
	if err != nil {
		return "", fmt.Errorf("reading registration: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(ctx, conn, "", protocol.ErrCodeBadMessage, "registration is not valid JSON")
		return "", fmt.Errorf("parsing registration: %w", err)
	}
	if env.Type != protocol.MsgAgentRegister {
		s.sendError(ctx, conn, "", protocol.ErrCodeInvalidState, "first message must be agent.register")
		return "", fmt.Errorf("expected %s, got %s", protocol.MsgAgentRegister, env.Type)
	}

	var caps protocol.AgentCapabilities
	if err := env.Decode(&caps); err != nil {
		s.sendError(ctx, conn, "", protocol.ErrCodeBadMessage, "invalid capabilities payload")
		return "", fmt.Errorf("parsing capabilities: %w", err)
	}
	caps.Name = strings.TrimSpace(caps.Name)
	if caps.Name == "" {
		s.sendError(ctx, conn, "", protocol.ErrCodeBadMessage, "agent name is required")
		return "", errors.New("agent name is required")
	}

	s.registry.Register(caps, conn)

	resp, _ := protocol.NewEnvelope(protocol.MsgRegistered, protocol.RegisteredPayload{
		Message:           fmt.Sprintf("registered as %s", caps.Name),
		HeartbeatInterval: s.cfg.WSHeartbeatInterval().String(),
	})
	resp.AgentID = caps.Name
	if err := s.writeEnvelope(ctx, conn, resp); err != nil {
		s.registry.Deregister(caps.Name, conn)
		return "", fmt.Errorf("confirming registration: %w", err)
	}
	return caps.Name, nil
}

func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, name string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgAgentHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := env.Decode(&hb); err != nil {
			s.sendError(ctx, conn, env.TaskID, protocol.ErrCodeBadMessage, "invalid heartbeat payload")
			return
		}
		s.registry.UpdateHeartbeat(name, hb.ActiveTasks)

	case protocol.MsgPong:
		s.registry.Touch(name)

	case protocol.MsgAgentDraining:
		s.registry.SetDraining(name)

	case protocol.MsgTaskAccepted:
		s.handleAccepted(ctx, conn, name, env)

	case protocol.MsgTaskResult:
		var result protocol.TaskResultPayload
		if err := env.Decode(&result); err != nil {
			s.sendError(ctx, conn, env.TaskID, protocol.ErrCodeBadMessage, "invalid result payload")
			return
		}
		s.handleOutcome(ctx, conn, name, env, false, result.Result)

	case protocol.MsgTaskFailed:
		var fail protocol.TaskFailedPayload
		if err := env.Decode(&fail); err != nil {
			s.sendError(ctx, conn, env.TaskID, protocol.ErrCodeBadMessage, "invalid failure payload")
			return
		}
		s.handleOutcome(ctx, conn, name, env, true, fail.Error)

	case protocol.MsgError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err == nil {
			s.logger.Warn("error reported by agent",
				slog.String("agent", name),
				slog.String("code", p.Code),
				slog.String("message", p.Message),
			)
		}

	default:
		s.logger.Warn("unknown message type from agent",
			slog.String("agent", name),
			slog.String("type", string(env.Type)),
		)
		s.sendError(ctx, conn, env.TaskID, protocol.ErrCodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) handleAccepted(ctx context.Context, conn *websocket.Conn, name string, env *protocol.Envelope) {
	taskID, teamID, ok := s.resolveTask(ctx, conn, env)
	if !ok {
		return
	}

	if _, err := s.reports.AcknowledgeAssignment(ctx, teamID, taskID, name); err != nil {
		s.logger.Warn("acknowledgment rejected",
			slog.String("agent", name),
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
		// The offer is stale (requeued or cancelled); stop the agent working on it.
		if cerr := s.registry.CancelRun(ctx, name, taskID, err.Error()); cerr != nil {
			s.registry.Finished(taskID)
		}
		return
	}
	s.registry.Accepted(name, taskID)
}

func (s *Server) handleOutcome(ctx context.Context, conn *websocket.Conn, name string, env *protocol.Envelope, failed bool, text string) {
	taskID, teamID, ok := s.resolveTask(ctx, conn, env)
	if !ok {
		return
	}
	defer s.registry.Finished(taskID)

	var err error
	if failed {
		_, err = s.reports.FailTask(ctx, teamID, taskID, name, text)
	} else {
		_, err = s.reports.CompleteTask(ctx, teamID, taskID, name, text)
	}
	if err != nil {
		s.logger.Warn("task outcome rejected",
			slog.String("agent", name),
			slog.String("task_id", taskID.String()),
			slog.Bool("failed", failed),
			slog.String("error", err.Error()),
		)
		s.sendError(ctx, conn, env.TaskID, errorCode(err), err.Error())
		return
	}

	observability.RecordRun(s.metrics, s.anomaly, name, failed)
	s.logger.Info("task outcome recorded",
		slog.String("agent", name),
		slog.String("task_id", taskID.String()),
		slog.Bool("failed", failed),
	)
}

// resolveTask parses the envelope's task ID and picks the owning team. The
// team the gateway offered the task under wins over what the agent echoed.
func (s *Server) resolveTask(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) (uuid.UUID, string, bool) {
	taskID, err := env.ParseTaskID()
	if err != nil {
		s.sendError(ctx, conn, env.TaskID, protocol.ErrCodeBadMessage, "task_id must be a UUID")
		return uuid.Nil, "", false
	}
	teamID := env.TeamID
	if run, ok := s.registry.Tracker().Get(taskID); ok && run.TeamID != "" {
		teamID = run.TeamID
	}
	if teamID == "" {
		s.sendError(ctx, conn, env.TaskID, protocol.ErrCodeBadMessage, "team_id is required")
		return uuid.Nil, "", false
	}
	return taskID, teamID, true
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, orchestrator.ErrForbidden):
		return protocol.ErrCodeNotFound
	case errors.Is(err, orchestrator.ErrInvalidState),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrConflict):
		return protocol.ErrCodeInvalidState
	case errors.Is(err, orchestrator.ErrValidation):
		return protocol.ErrCodeBadMessage
	default:
		return protocol.ErrCodeInternal
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn, name string) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("agent", name),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) updateConnectedGauge() {
	if s.metrics != nil {
		s.metrics.AgentsConnected.Set(float64(s.registry.Count()))
	}
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, taskID, code, message string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: message})
	env.TaskID = taskID
	if err := s.writeEnvelope(ctx, conn, env); err != nil {
		s.logger.Debug("sending error to agent failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
