// taskforge: dependency-aware task orchestration for fleets of coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "taskforge: dependency-aware task orchestration for coding agents.",
	Long: `taskforge queues tasks with priorities and dependencies, assigns ready
tasks to connected agents over WebSocket, relays mailbox messages to running
agents, and cancels whole dependency chains on request.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (or TASKFORGE_CONFIG)")
	rootCmd.AddCommand(serveCmd, migrateCmd, taskCmd, mcpCmd, workerCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
