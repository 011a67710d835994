package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/orchestrator"
	"github.com/jkaninda/taskforge/internal/storage"
)

func event(typ orchestrator.EventType, team string, prev, status orchestrator.TaskStatus) orchestrator.TaskEvent {
	return orchestrator.TaskEvent{
		Type:     typ,
		TeamID:   team,
		Task:     orchestrator.Task{TeamID: team, Status: status},
		Previous: prev,
	}
}

// --- Matching ---

func TestHook_Matches(t *testing.T) {
	all := NewHook(config.WebhookConfig{URL: "https://example.com/hook"})
	teamA := NewHook(config.WebhookConfig{URL: "https://example.com/hook", Teams: []string{"team-a"}})
	created := NewHook(config.WebhookConfig{URL: "https://example.com/hook", Statuses: []string{"pending"}})

	tests := []struct {
		name string
		hook Hook
		ev   orchestrator.TaskEvent
		want bool
	}{
		{"completed", all, event(orchestrator.EventUpdated, "team-a", orchestrator.TaskRunning, orchestrator.TaskCompleted), true},
		{"failed", all, event(orchestrator.EventUpdated, "team-b", orchestrator.TaskRunning, orchestrator.TaskFailed), true},
		{"running is not watched", all, event(orchestrator.EventUpdated, "team-a", orchestrator.TaskAssigned, orchestrator.TaskRunning), false},
		{"same status update", all, event(orchestrator.EventUpdated, "team-a", orchestrator.TaskCompleted, orchestrator.TaskCompleted), false},
		{"team filter hit", teamA, event(orchestrator.EventUpdated, "team-a", orchestrator.TaskPending, orchestrator.TaskCancelled), true},
		{"team filter miss", teamA, event(orchestrator.EventUpdated, "team-b", orchestrator.TaskPending, orchestrator.TaskCancelled), false},
		{"custom statuses", created, event(orchestrator.EventCreated, "team-a", "", orchestrator.TaskPending), true},
		{"custom statuses exclude defaults", created, event(orchestrator.EventUpdated, "team-a", orchestrator.TaskRunning, orchestrator.TaskCompleted), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.hook.Matches(tt.ev); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewDispatcher_NilWithoutHooks(t *testing.T) {
	if d := NewDispatcher(nil, nil, nil); d != nil {
		t.Error("expected nil dispatcher for nil config")
	}
	if d := NewDispatcher(&config.NotificationsConfig{}, nil, nil); d != nil {
		t.Error("expected nil dispatcher without webhooks")
	}
}

// --- Delivery ---

type received struct {
	body      []byte
	signature string
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	got := make(chan received, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get(SignatureHeader)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(&config.NotificationsConfig{Webhooks: []config.WebhookConfig{{
		Name:         "ci",
		URL:          srv.URL,
		Secret:       "s3cret",
		AllowPrivate: true,
	}}}, nil, nil)

	engine := orchestrator.NewEngine(storage.NewMemoryStore(), nil, nil, nil, nil, orchestrator.EngineConfig{})
	detach := d.Attach(engine)
	defer detach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	task, err := engine.CreateTask(ctx, orchestrator.CreateTaskRequest{TeamID: "team-a", Prompt: "lint", Priority: 3})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := engine.CancelTask(ctx, "team-a", task.ID, false); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	select {
	case r := <-got:
		if r.signature != Sign("s3cret", r.body) {
			t.Errorf("signature = %q, want %q", r.signature, Sign("s3cret", r.body))
		}
		var ev Event
		if err := json.Unmarshal(r.body, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != "task.cancelled" || ev.TeamID != "team-a" || ev.Task.ID != task.ID {
			t.Errorf("event = %+v", ev)
		}
		if ev.PreviousStatus != orchestrator.TaskPending {
			t.Errorf("previous = %q, want pending", ev.PreviousStatus)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}

	// Creation is not a watched status by default.
	select {
	case r := <-got:
		t.Errorf("unexpected extra delivery: %s", r.body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliver_PermanentOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(&config.NotificationsConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL, AllowPrivate: true}}}, nil, nil)
	err := d.deliver(context.Background(), delivery{hook: d.hooks[0], event: Event{Type: "task.failed"}})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", n)
	}
}

func TestDeliver_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(&config.NotificationsConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL, AllowPrivate: true}}}, nil, nil)
	if err := d.deliver(context.Background(), delivery{hook: d.hooks[0], event: Event{Type: "task.completed"}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestSend_RejectsPrivateTargets(t *testing.T) {
	s := NewWebhookSender(nil)
	for _, raw := range []string{"http://localhost:9000/hook", "http://127.0.0.1/hook", "ftp://example.com/hook"} {
		err := s.Send(context.Background(), Hook{URL: raw}, []byte(`{}`))
		if err == nil {
			t.Errorf("%s: expected rejection", raw)
		}
	}
}
