package agent

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/jkaninda/taskforge/internal/protocol"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientConfig{GatewayURL: "ws://localhost:8080/v1/agents/ws", Name: "worker-1"}, nil, nil)

	if c.cfg.MaxParallel != 1 {
		t.Errorf("max parallel = %d, want 1", c.cfg.MaxParallel)
	}
	if c.cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %v, want 30s", c.cfg.HeartbeatInterval)
	}
	if c.cfg.ReconnectInterval != 2*time.Second {
		t.Errorf("reconnect = %v, want 2s", c.cfg.ReconnectInterval)
	}
	if c.cfg.InboxSize != 16 {
		t.Errorf("inbox = %d, want 16", c.cfg.InboxSize)
	}
	if c.Active() != 0 {
		t.Errorf("active = %d, want 0", c.Active())
	}
}

func TestClient_DialURLCarriesToken(t *testing.T) {
	c := NewClient(ClientConfig{
		GatewayURL: "ws://gateway:8080/v1/agents/ws?region=eu",
		Token:      "s3cret&more",
		Name:       "worker-1",
	}, nil, nil)

	raw, err := c.dialURL()
	if err != nil {
		t.Fatalf("dialURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := u.Query().Get("token"); got != "s3cret&more" {
		t.Errorf("token = %q", got)
	}
	if got := u.Query().Get("region"); got != "eu" {
		t.Errorf("existing query lost: region = %q", got)
	}
}

func TestClient_DialURLWithoutToken(t *testing.T) {
	c := NewClient(ClientConfig{GatewayURL: "ws://gateway:8080/v1/agents/ws"}, nil, nil)
	raw, err := c.dialURL()
	if err != nil {
		t.Fatalf("dialURL: %v", err)
	}
	if raw != "ws://gateway:8080/v1/agents/ws" {
		t.Errorf("url = %q", raw)
	}
}

func TestClient_Dispatch(t *testing.T) {
	c := NewClient(ClientConfig{Name: "worker-1", InboxSize: 1}, nil, nil)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := &activeRun{cancel: cancel, inbox: make(chan protocol.MailboxPayload, 1)}
	c.runs["task-1"] = run

	if c.Dispatch("task-2", protocol.MailboxPayload{MessageID: "m0"}) {
		t.Error("dispatch to unknown run should report false")
	}
	if !c.Dispatch("task-1", protocol.MailboxPayload{MessageID: "m1", Body: "hello"}) {
		t.Fatal("dispatch to active run failed")
	}
	if c.Dispatch("task-1", protocol.MailboxPayload{MessageID: "m2"}) {
		t.Error("dispatch to a full inbox should report false")
	}
	if got := <-run.inbox; got.MessageID != "m1" || got.Body != "hello" {
		t.Errorf("inbox = %+v", got)
	}
}
