package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/jkaninda/taskforge/internal/protocol"
)

// Subprotocol is negotiated on the agent WebSocket.
const Subprotocol = "taskforge-agent-v1"

// ClientConfig configures the agent-side WebSocket client.
type ClientConfig struct {
	GatewayURL        string
	Token             string
	Name              string
	Capabilities      []string
	MaxParallel       int
	Version           string
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	InboxSize         int // Buffered mailbox messages per run. Default: 16.
}

// Run is handed to a TaskHandler for one accepted assignment. Mailbox
// receives messages sent to the run while it executes.
type Run struct {
	Assignment protocol.TaskAssignment
	Mailbox    <-chan protocol.MailboxPayload
}

// TaskHandler executes an assignment and returns its result. The context is
// cancelled when the gateway cancels the task or the client shuts down.
type TaskHandler func(ctx context.Context, run *Run) (string, error)

type activeRun struct {
	cancel    context.CancelFunc
	inbox     chan protocol.MailboxPayload
	cancelled bool
}

// Client is the agent-side WebSocket client that connects to the gateway,
// accepts offers, and reports results.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	handler TaskHandler

	connMu sync.Mutex
	conn   *websocket.Conn

	runsMu sync.Mutex
	runs   map[string]*activeRun
	wg     sync.WaitGroup
}

// NewClient creates a new agent client.
func NewClient(cfg ClientConfig, handler TaskHandler, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.InboxSize == 0 {
		cfg.InboxSize = 16
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		runs:    make(map[string]*activeRun),
	}
}

// Run connects to the gateway and serves until ctx is cancelled,
// reconnecting with exponential backoff. Runs in flight are cancelled and
// awaited before Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.wg.Wait()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInterval
	policy.MaxInterval = 60 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(
		func() error {
			err := c.connectAndServe(ctx, policy)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		},
		backoff.WithContext(policy, ctx),
		func(err error, wait time.Duration) {
			c.logger.Warn("disconnected from gateway, reconnecting",
				slog.String("error", err.Error()),
				slog.String("backoff", wait.String()),
			)
		},
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.GatewayURL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context, policy backoff.BackOff) error {
	dialURL, err := c.dialURL()
	if err != nil {
		return backoff.Permanent(err)
	}

	conn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.cancelAll()
		conn.Close(websocket.StatusNormalClosure, "agent shutting down")
	}()

	if err := c.register(ctx, conn); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	policy.Reset()

	c.logger.Info("connected to gateway",
		slog.String("url", c.cfg.GatewayURL),
		slog.String("agent", c.cfg.Name),
	)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid message from gateway", slog.String("error", err.Error()))
			continue
		}
		c.handleMessage(ctx, conn, &env)
	}
}

func (c *Client) register(ctx context.Context, conn *websocket.Conn) error {
	env, err := protocol.NewEnvelope(protocol.MsgAgentRegister, protocol.AgentCapabilities{
		Name:         c.cfg.Name,
		Capabilities: c.cfg.Capabilities,
		MaxParallel:  c.cfg.MaxParallel,
		Version:      c.cfg.Version,
	})
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, env); err != nil {
		return err
	}

	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, data, err := conn.Read(regCtx)
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	var resp protocol.Envelope
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parsing confirmation: %w", err)
	}
	if resp.Type == protocol.MsgError {
		var p protocol.ErrorPayload
		_ = resp.Decode(&p)
		return backoff.Permanent(fmt.Errorf("gateway rejected registration: %s", p.Message))
	}
	if resp.Type != protocol.MsgRegistered {
		return fmt.Errorf("expected %s, got %s", protocol.MsgRegistered, resp.Type)
	}
	return nil
}

func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgTaskAssign:
		var assignment protocol.TaskAssignment
		if err := env.Decode(&assignment); err != nil {
			c.logger.Error("invalid task assignment", slog.String("error", err.Error()))
			return
		}
		c.accept(ctx, conn, assignment)

	case protocol.MsgTaskCancel:
		c.runsMu.Lock()
		run, ok := c.runs[env.TaskID]
		if ok {
			run.cancelled = true
			run.cancel()
		}
		c.runsMu.Unlock()
		c.logger.Info("task cancel received",
			slog.String("task_id", env.TaskID),
			slog.Bool("running", ok),
		)

	case protocol.MsgMailbox:
		var msg protocol.MailboxPayload
		if err := env.Decode(&msg); err != nil {
			c.logger.Warn("invalid mailbox message", slog.String("error", err.Error()))
			return
		}
		c.Dispatch(env.TaskID, msg)

	case protocol.MsgPing:
		pong, _ := protocol.NewEnvelope(protocol.MsgPong, nil)
		_ = c.write(ctx, conn, pong)

	case protocol.MsgError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err == nil {
			c.logger.Warn("error from gateway",
				slog.String("code", p.Code),
				slog.String("message", p.Message),
				slog.String("task_id", env.TaskID),
			)
		}

	default:
		c.logger.Debug("unknown message from gateway", slog.String("type", string(env.Type)))
	}
}

func (c *Client) accept(ctx context.Context, conn *websocket.Conn, assignment protocol.TaskAssignment) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel, inbox: make(chan protocol.MailboxPayload, c.cfg.InboxSize)}

	c.runsMu.Lock()
	if _, dup := c.runs[assignment.TaskID]; dup {
		c.runsMu.Unlock()
		cancel()
		return
	}
	c.runs[assignment.TaskID] = run
	c.runsMu.Unlock()

	accepted, _ := protocol.NewEnvelope(protocol.MsgTaskAccepted, nil)
	accepted.TaskID = assignment.TaskID
	accepted.TeamID = assignment.TeamID
	if err := c.write(ctx, conn, accepted); err != nil {
		c.finish(assignment.TaskID)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(runCtx, conn, assignment, run)
	}()
}

func (c *Client) execute(ctx context.Context, conn *websocket.Conn, assignment protocol.TaskAssignment, run *activeRun) {
	defer c.finish(assignment.TaskID)

	started := time.Now()
	var (
		result string
		err    error
	)
	if c.handler == nil {
		err = errors.New("no task handler configured")
	} else {
		result, err = c.handler(ctx, &Run{Assignment: assignment, Mailbox: run.inbox})
	}

	c.runsMu.Lock()
	cancelled := run.cancelled
	c.runsMu.Unlock()
	if cancelled {
		return
	}

	// The read loop may already be gone; reporting uses a fresh deadline.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var env *protocol.Envelope
	if err != nil {
		env, _ = protocol.NewEnvelope(protocol.MsgTaskFailed, protocol.TaskFailedPayload{Error: err.Error()})
	} else {
		env, _ = protocol.NewEnvelope(protocol.MsgTaskResult, protocol.TaskResultPayload{
			Result:   result,
			Duration: time.Since(started).String(),
		})
	}
	env.TaskID = assignment.TaskID
	env.TeamID = assignment.TeamID
	if werr := c.write(reportCtx, conn, env); werr != nil {
		c.logger.Warn("reporting task outcome failed",
			slog.String("task_id", assignment.TaskID),
			slog.String("error", werr.Error()),
		)
	}
}

func (c *Client) finish(taskID string) {
	c.runsMu.Lock()
	if run, ok := c.runs[taskID]; ok {
		run.cancel()
		delete(c.runs, taskID)
	}
	c.runsMu.Unlock()
}

// Dispatch hands a mailbox message to the run working on taskID. Messages
// for unknown runs, or for runs whose inbox is full, are dropped.
func (c *Client) Dispatch(taskID string, msg protocol.MailboxPayload) bool {
	c.runsMu.Lock()
	run, ok := c.runs[taskID]
	c.runsMu.Unlock()
	if !ok {
		c.logger.Debug("mailbox message for unknown run", slog.String("task_id", taskID))
		return false
	}
	select {
	case run.inbox <- msg:
		return true
	default:
		c.logger.Warn("run inbox full, dropping message",
			slog.String("task_id", taskID),
			slog.String("message_id", msg.MessageID),
		)
		return false
	}
}

// cancelAll stops every run; the gateway can no longer hear their outcome.
func (c *Client) cancelAll() {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	for _, run := range c.runs {
		run.cancelled = true
		run.cancel()
	}
}

// Active returns the number of runs in progress.
func (c *Client) Active() int {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	return len(c.runs)
}

// Drain tells the gateway to stop sending new offers to this agent.
func (c *Client) Drain(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New("not connected to gateway")
	}
	env, _ := protocol.NewEnvelope(protocol.MsgAgentDraining, nil)
	return c.write(ctx, conn, env)
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgAgentHeartbeat, protocol.HeartbeatPayload{
				ActiveTasks: c.Active(),
			})
			if err := c.write(ctx, conn, env); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	env.AgentID = c.cfg.Name
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
