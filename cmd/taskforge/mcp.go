package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	mcpgw "github.com/jkaninda/taskforge/internal/gateway/mcp"
	"github.com/jkaninda/taskforge/internal/mailbox"
	"github.com/jkaninda/taskforge/internal/orchestrator"
)

var mcpTeam string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the task tools to an MCP client over stdio",
	Long: `Serve the team's task queue as MCP tools on stdin/stdout.

The command shares storage with a running "taskforge serve", which assigns
the tasks created here. Use the sqlite or postgres driver; the memory driver
is private to this process. Mailbox messages reach agents only when the
mailbox driver is redis.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpTeam, "team", "", "team the tools act for (or TASKFORGE_TEAM)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	team := goutils.Env("TASKFORGE_TEAM", mcpTeam)
	if team == "" {
		return fmt.Errorf("team is required: use --team or set TASKFORGE_TEAM")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var deliverer orchestrator.Deliverer
	if cfg.Mailbox.MailboxDriver() == "redis" {
		mb, err := mailbox.NewRedisMailbox(ctx, cfg.Mailbox, logger)
		if err != nil {
			return fmt.Errorf("initializing redis mailbox: %w", err)
		}
		defer func() {
			if err := mb.Close(); err != nil {
				logger.Error("closing redis mailbox", slog.String("error", err.Error()))
			}
		}()
		deliverer = mb
	}

	// No scheduler here: the serve process owns assignment.
	engine := orchestrator.NewEngine(sc.Store, nil, deliverer, nil, logger, engineConfig(cfg))

	srv, err := mcpgw.NewServer(engine, team, version, logger)
	if err != nil {
		return err
	}
	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}
