package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/taskforge/internal/agent"
	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/mailbox"
)

var (
	workerGatewayURL   string
	workerToken        string
	workerName         string
	workerCapabilities []string
	workerMaxParallel  int
	workerExec         string
	workerRedisURL     string
	workerDrainTimeout int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Connect to a taskforge server as an agent and execute tasks",
	Long: `Run an agent that connects to the server's WebSocket endpoint, accepts
task offers, and reports results.

With --exec, each task prompt is written to the command's stdin and its
stdout becomes the task result; a non-zero exit fails the task. Without
--exec the worker echoes prompts back, which is useful for smoke tests.

On SIGINT/SIGTERM the worker stops taking offers, waits up to
--drain-timeout for running tasks, then exits.`,
	Example: `  taskforge worker --name builder --exec "make -C /src build"
  taskforge worker --name reviewer --max-parallel 4 --redis-url redis://localhost:6379/0`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerGatewayURL, "gateway-url", "ws://localhost:8080/v1/agents/ws", "agent WebSocket URL (or TASKFORGE_AGENT_URL)")
	workerCmd.Flags().StringVar(&workerToken, "token", "", "agent token (or TASKFORGE_AGENT_TOKEN)")
	workerCmd.Flags().StringVar(&workerName, "name", "", "agent name (default: hostname-pid)")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capability", nil, "advertised capabilities")
	workerCmd.Flags().IntVar(&workerMaxParallel, "max-parallel", 1, "tasks executed concurrently")
	workerCmd.Flags().StringVar(&workerExec, "exec", "", "shell command that executes a prompt read from stdin")
	workerCmd.Flags().StringVar(&workerRedisURL, "redis-url", "", "read mailbox messages from redis instead of the WebSocket (or TASKFORGE_REDIS_URL)")
	workerCmd.Flags().IntVar(&workerDrainTimeout, "drain-timeout", 60, "seconds to wait for running tasks on shutdown")
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	name := workerName
	if name == "" {
		hostname, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	token := workerToken
	if token == "" && cfg.WebSocket != nil {
		token = cfg.WebSocket.AgentToken
	}
	redisURL := workerRedisURL
	if redisURL == "" && cfg.Mailbox.MailboxDriver() == "redis" {
		redisURL = cfg.Mailbox.RedisURL
	}

	handler := echoHandler(logger)
	if workerExec != "" {
		handler = execHandler(workerExec, logger)
	}

	client := agent.NewClient(agent.ClientConfig{
		GatewayURL:   goutils.Env("TASKFORGE_AGENT_URL", workerGatewayURL),
		Token:        token,
		Name:         name,
		Capabilities: workerCapabilities,
		MaxParallel:  workerMaxParallel,
		Version:      version,
	}, handler, logger)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The client outlives the signal so running tasks can finish.
	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()

	if redisURL != "" {
		mb, err := mailbox.NewRedisMailbox(sigCtx, &config.MailboxConfig{Driver: "redis", RedisURL: redisURL}, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis mailbox: %w", err)
		}
		defer func() { _ = mb.Close() }()

		go func() {
			for msg := range mb.Subscribe(clientCtx, name) {
				client.Dispatch(msg.TaskID.String(), agent.ToMailboxPayload(msg))
			}
		}()
		logger.Info("reading mailbox from redis", slog.String("stream", mb.Stream(name)))
	}

	logger.Info("worker starting",
		slog.String("name", name),
		slog.Int("max_parallel", workerMaxParallel),
		slog.Bool("exec", workerExec != ""),
	)

	errs := make(chan error, 1)
	go func() { errs <- client.Run(clientCtx) }()

	select {
	case err := <-errs:
		return err
	case <-sigCtx.Done():
		logger.Info("shutdown signal received, draining")
	}

	drainWorker(client, time.Duration(workerDrainTimeout)*time.Second, logger)
	cancelClient()
	return <-errs
}

// drainWorker stops new offers and waits for in-flight runs, up to timeout.
func drainWorker(client *agent.Client, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Drain(ctx); err != nil {
		logger.Warn("drain notice not sent", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for client.Active() > 0 {
		select {
		case <-ctx.Done():
			logger.Warn("drain timeout, cancelling running tasks", slog.Int("active", client.Active()))
			return
		case <-ticker.C:
		}
	}
}

// echoHandler returns the prompt as the result.
func echoHandler(logger *slog.Logger) agent.TaskHandler {
	return func(ctx context.Context, run *agent.Run) (string, error) {
		go logMailbox(ctx, run, logger)
		return "echo: " + run.Assignment.Prompt, nil
	}
}

// execHandler runs command through the shell with the prompt on stdin.
func execHandler(command string, logger *slog.Logger) agent.TaskHandler {
	return func(ctx context.Context, run *agent.Run) (string, error) {
		go logMailbox(ctx, run, logger)

		a := run.Assignment
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = strings.NewReader(a.Prompt)
		cmd.Env = append(os.Environ(),
			"TASKFORGE_TASK_ID="+a.TaskID,
			"TASKFORGE_TEAM_ID="+a.TeamID,
			fmt.Sprintf("TASKFORGE_PRIORITY=%d", a.Priority),
		)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return "", fmt.Errorf("command failed: %s", msg)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

func logMailbox(ctx context.Context, run *agent.Run, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-run.Mailbox:
			if !ok {
				return
			}
			logger.Info("mailbox message",
				slog.String("task_id", run.Assignment.TaskID),
				slog.String("type", msg.Type),
				slog.String("body", msg.Body),
			)
		}
	}
}
