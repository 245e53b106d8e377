package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHub serves the slice of the hub's HTTP surface the agent calls.
type fakeHub struct {
	token string

	mu         sync.Mutex
	pending    []command
	reports    []commandResult
	heartbeats int
	metrics    []map[string]any
	rejected   int
}

func (f *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		f.mu.Lock()
		f.rejected++
		f.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "missing token"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/agents/register":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/heartbeat"):
		f.heartbeats++
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/metrics"):
		var body struct {
			MetricType string         `json:"metricType"`
			MetricData map[string]any `json:"metricData"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.metrics = append(f.metrics, body.MetricData)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/commands"):
		if r.URL.Query().Get("status") != statusPending {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(f.pending)
		f.pending = nil
	case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/commands/"):
		var body commandResult
		json.NewDecoder(r.Body).Decode(&body)
		body.CommandID = r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if body.CommandID == "gone" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "illegal transition"})
			return
		}
		f.reports = append(f.reports, body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeHub) snapshot() []commandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]commandResult(nil), f.reports...)
}

func startFakeHub(t *testing.T, hub http.Handler) *Config {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	cfg := testAgentConfig()
	cfg.HubURL = srv.URL
	cfg.Token = "secret"
	cfg.PollInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.MetricsInterval = 20 * time.Millisecond
	return cfg
}

func TestPollOnceRunsQueueInOrder(t *testing.T) {
	hub := &fakeHub{token: "secret", pending: []command{
		{ID: "c1", CommandType: CommandPing, Status: statusPending},
		{ID: "c2", CommandType: "reboot", Status: statusPending},
	}}
	cfg := startFakeHub(t, hub)
	client := newHubClient(cfg)
	poller := NewPoller(client, NewExecutor(cfg, nil), cfg.AgentID)

	n, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 commands run, got %d", n)
	}

	want := []struct{ id, status string }{
		{"c1", statusExecuting},
		{"c1", statusCompleted},
		{"c2", statusExecuting},
		{"c2", statusFailed},
	}
	got := hub.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d reports, got %+v", len(want), got)
	}
	for i, w := range want {
		if got[i].CommandID != w.id || got[i].Status != w.status {
			t.Errorf("report %d: expected %s %s, got %s %s", i, w.id, w.status, got[i].CommandID, got[i].Status)
		}
	}
	if got[3].Error == "" {
		t.Error("expected failure reason on the unknown command")
	}

	if n, _ := poller.PollOnce(context.Background()); n != 0 {
		t.Errorf("expected empty queue on second poll, got %d", n)
	}
}

func TestPollOnceSkipsCommandsItCannotClaim(t *testing.T) {
	hub := &fakeHub{token: "secret", pending: []command{
		{ID: "gone", CommandType: CommandPing},
		{ID: "c2", CommandType: CommandEcho, CommandData: map[string]any{"k": "v"}},
	}}
	cfg := startFakeHub(t, hub)
	poller := NewPoller(newHubClient(cfg), NewExecutor(cfg, nil), cfg.AgentID)

	n, err := poller.PollOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 command run, got %d (%v)", n, err)
	}
	got := hub.snapshot()
	if len(got) != 2 || got[1].Status != statusCompleted || got[1].Result["k"] != "v" {
		t.Errorf("unexpected reports %+v", got)
	}
}

func TestHubClientSendsToken(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	cfg := startFakeHub(t, hub)

	if err := newHubClient(cfg).register(context.Background(), cfg); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cfg.Token = "wrong"
	err := newHubClient(cfg).heartbeat(context.Background(), cfg.AgentID)
	if err == nil || !strings.Contains(err.Error(), "missing token") {
		t.Errorf("expected the hub's error text, got %v", err)
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.rejected != 1 {
		t.Errorf("expected one rejected call, got %d", hub.rejected)
	}
}

func TestMetricsLoopPostsSamples(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	cfg := startFakeHub(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		startMetricsLoop(ctx, newHubClient(cfg), cfg, fakeCollector{data: map[string]any{"memPercent": 40.0}})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.metrics)
		hub.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected metric samples, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.metrics[0]["memPercent"] != 40.0 {
		t.Errorf("unexpected sample %v", hub.metrics[0])
	}
}
