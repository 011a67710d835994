package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/taskforge/internal/gateway/httpapi"
	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// Exit codes for the task commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2 // Invalid request, bad credentials, or rate limited.
	ExitUnavailable = 3 // Gateway unreachable or not serving.
)

var (
	taskGatewayURL string
	taskAPIKey     string
	taskTimeout    int

	createPrompt   string
	createPriority int
	createDeps     []string
	createAgent    string
	createMeta     map[string]string

	listStatus string
	listLimit  int

	cancelCascade bool
	reassignAgent string
	messageType   string
	messageBody   string
	watchTask     string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks through a running taskforge server",
	Long: `Client for the taskforge HTTP API. Requests authenticate with a team
API key and act on that team's tasks only.

Exit codes:
  0  success
  1  request failed
  2  request rejected (validation, credentials, rate limit)
  3  gateway unavailable`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Example: `  taskforge task create -p "bump the go toolchain" --priority 2
  taskforge task create -p "run the integration suite" --depends-on 3f1c... --agent ci-runner`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		metadata := make(map[string]any, len(createMeta))
		for k, v := range createMeta {
			metadata[k] = v
		}
		if createAgent != "" {
			metadata[orchestrator.MetadataAgentName] = createAgent
		}
		return taskRequest(http.MethodPost, "/v1/tasks", httpapi.CreateTaskRequest{
			Prompt:       createPrompt,
			Priority:     createPriority,
			Dependencies: createDeps,
			Metadata:     metadata,
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the team's tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/v1/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return taskRequest(http.MethodGet, path, nil)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return taskRequest(http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil)
	},
}

var taskDepsCmd = &cobra.Command{
	Use:   "deps <task-id>",
	Short: "Show the dependency status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return taskRequest(http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0])+"/dependencies", nil)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and, with --cascade, everything that depends on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := "/v1/tasks/" + url.PathEscape(args[0]) + "/cancel"
		if cancelCascade {
			path += "?cascade=true"
		}
		return taskRequest(http.MethodPost, path, nil)
	},
}

var taskReassignCmd = &cobra.Command{
	Use:   "reassign <task-id>",
	Short: "Hand an assigned or running task to another agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return taskRequest(http.MethodPost, "/v1/tasks/"+url.PathEscape(args[0])+"/reassign",
			httpapi.ReassignRequest{AgentName: reassignAgent})
	},
}

var taskMessageCmd = &cobra.Command{
	Use:   "message <run-id>",
	Short: "Send a mailbox message to the agent executing a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return taskRequest(http.MethodPost, "/v1/runs/"+url.PathEscape(args[0])+"/messages",
			httpapi.SendMessageRequest{Type: messageType, Body: messageBody})
	},
}

var taskSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Task counts by status, active agents, and recent tasks",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return taskRequest(http.MethodGet, "/v1/summary", nil)
	},
}

var taskOrderCmd = &cobra.Command{
	Use:   "order",
	Short: "Print the team's task IDs in dependency order",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return taskRequest(http.MethodGet, "/v1/execution-order", nil)
	},
}

var taskAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List connected agents",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return taskRequest(http.MethodGet, "/v1/agents", nil)
	},
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the team's task events (requires http.sse on the server)",
	Args:  cobra.NoArgs,
	RunE:  runTaskWatch,
}

func init() {
	taskCmd.PersistentFlags().StringVar(&taskGatewayURL, "gateway-url", "http://localhost:8080", "taskforge HTTP API URL (or TASKFORGE_GATEWAY_URL)")
	taskCmd.PersistentFlags().StringVar(&taskAPIKey, "api-key", "", "team API key (or TASKFORGE_API_KEY)")
	taskCmd.PersistentFlags().IntVar(&taskTimeout, "timeout", 30, "request timeout in seconds (0 = none)")

	taskCreateCmd.Flags().StringVarP(&createPrompt, "prompt", "p", "", "what the agent should do (required)")
	taskCreateCmd.Flags().IntVar(&createPriority, "priority", 5, "1 (highest) to 10 (lowest)")
	taskCreateCmd.Flags().StringSliceVar(&createDeps, "depends-on", nil, "IDs of tasks that must complete first")
	taskCreateCmd.Flags().StringVar(&createAgent, "agent", "", "only this agent may run the task")
	taskCreateCmd.Flags().StringToStringVar(&createMeta, "meta", nil, "extra metadata as key=value pairs")
	_ = taskCreateCmd.MarkFlagRequired("prompt")

	taskListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of tasks")

	taskCancelCmd.Flags().BoolVar(&cancelCascade, "cascade", false, "also cancel every task that depends on this one")

	taskReassignCmd.Flags().StringVar(&reassignAgent, "agent", "", "target agent name (required)")
	_ = taskReassignCmd.MarkFlagRequired("agent")

	taskMessageCmd.Flags().StringVar(&messageType, "type", string(orchestrator.MessageRequest), "request, status, or handoff")
	taskMessageCmd.Flags().StringVarP(&messageBody, "body", "b", "", "message body (required)")
	_ = taskMessageCmd.MarkFlagRequired("body")

	taskWatchCmd.Flags().StringVar(&watchTask, "task", "", "only show this task and exit once it finishes")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskGetCmd, taskDepsCmd, taskCancelCmd,
		taskReassignCmd, taskMessageCmd, taskSummaryCmd, taskOrderCmd, taskAgentsCmd, taskWatchCmd)
}

// taskEndpoint resolves the gateway URL and API key from flags or env.
func taskEndpoint() (string, string) {
	apiKey := goutils.Env("TASKFORGE_API_KEY", taskAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set TASKFORGE_API_KEY)")
		os.Exit(ExitRejected)
	}
	gatewayURL := strings.TrimRight(goutils.Env("TASKFORGE_GATEWAY_URL", taskGatewayURL), "/")
	return gatewayURL, apiKey
}

func taskContext() (context.Context, context.CancelFunc) {
	if taskTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), time.Duration(taskTimeout)*time.Second)
}

// taskRequest sends one API call and prints the JSON response. Non-2xx
// responses exit with the matching exit code.
func taskRequest(method, path string, body any) error {
	gatewayURL, apiKey := taskEndpoint()

	ctx, cancel := taskContext()
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, gatewayURL+path, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		printJSON(respBody)
		return nil
	}
	exitForStatus(resp.StatusCode, respBody)
	return nil
}

// exitForStatus reports an error response and exits.
func exitForStatus(status int, body []byte) {
	var errBody httpapi.ErrorBody
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
		msg = errBody.Error
	}

	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict:
		fmt.Fprintf(os.Stderr, "Error: %s (%d)\n", msg, status)
		os.Exit(ExitRejected)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitRejected)

	case http.StatusTooManyRequests:
		var limited httpapi.RateLimitedBody
		_ = json.Unmarshal(body, &limited)
		fmt.Fprintf(os.Stderr, "Error: rate limited, retry in %ds\n", limited.RetryAfterSeconds)
		os.Exit(ExitRejected)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", status)
		os.Exit(ExitUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", status, msg)
		os.Exit(ExitFailure)
	}
}

func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

// runTaskWatch follows GET /v1/events and prints one line per event.
func runTaskWatch(_ *cobra.Command, _ []string) error {
	gatewayURL, apiKey := taskEndpoint()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL+"/v1/events", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		exitForStatus(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event httpapi.SSEEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "ping":
			continue
		case "dropped":
			fmt.Fprintf(os.Stderr, "[%d events dropped]\n", event.Dropped)
			continue
		}
		if event.Task == nil {
			continue
		}
		task := event.Task
		if watchTask != "" && task.ID.String() != watchTask {
			continue
		}

		transition := string(task.Status)
		if event.Previous != "" {
			transition = string(event.Previous) + " -> " + transition
		}
		fmt.Printf("%s  %-8s %s  %s", task.UpdatedAt.Format(time.RFC3339), event.Type, task.ID, transition)
		if task.AssignedAgentName != "" {
			fmt.Printf("  agent=%s", task.AssignedAgentName)
		}
		fmt.Println()

		if watchTask != "" && task.Status.Terminal() {
			if task.Status == orchestrator.TaskFailed {
				fmt.Fprintf(os.Stderr, "Task failed: %s\n", task.ErrorMessage)
				os.Exit(ExitFailure)
			}
			os.Exit(ExitSuccess)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		os.Exit(ExitFailure)
	}
	return nil
}
