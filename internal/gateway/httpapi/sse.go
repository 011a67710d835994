package httpapi

import (
	"log/slog"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

const (
	eventBuffer       = 64
	keepaliveInterval = 25 * time.Second
)

// SSEEvent is one task event on the stream.
type SSEEvent struct {
	Type     string                  `json:"type"` // "created", "updated", "ping", "dropped"
	Task     *orchestrator.Task      `json:"task,omitempty"`
	Previous orchestrator.TaskStatus `json:"previous,omitempty"`
	Dropped  int                     `json:"dropped,omitempty"`
}

// handleEvents handles GET /v1/events. It streams the caller's team task
// events until the client disconnects. Slow clients lose events rather
// than blocking the store; a "dropped" event reports how many were lost.
func (g *Gateway) handleEvents(c *okapi.Context) error {
	teamID := c.GetString("teamID")
	ctx := c.Request().Context()

	events := make(chan orchestrator.TaskEvent, eventBuffer)
	dropped := make(chan int, 1)
	unsubscribe := g.engine.Subscribe(teamID, func(ev orchestrator.TaskEvent) {
		select {
		case events <- ev:
		default:
			select {
			case n := <-dropped:
				dropped <- n + 1
			default:
				dropped <- 1
			}
		}
	})
	defer unsubscribe()

	g.logger.Info("event stream opened",
		slog.String("team_id", teamID),
		slog.String("user_id", c.GetString("userID")),
		slog.String("request_id", c.GetString("requestID")),
	)
	defer g.logger.Info("event stream closed", slog.String("team_id", teamID))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	c.SSEvent("ping", SSEEvent{Type: "ping"})
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			task := ev.Task
			c.SSEvent(string(ev.Type), SSEEvent{Type: string(ev.Type), Task: &task, Previous: ev.Previous})
		case n := <-dropped:
			c.SSEvent("dropped", SSEEvent{Type: "dropped", Dropped: n})
		case <-keepalive.C:
			c.SSEvent("ping", SSEEvent{Type: "ping"})
		}
	}
}
