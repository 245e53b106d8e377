package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsHub is a scripted hub endpoint: it answers registration and then
// hands the connection to the test.
type wsHub struct {
	reject string
	auth   chan string
	conns  chan *websocket.Conn
}

func (h *wsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.auth <- r.Header.Get("Authorization")

	var msg message
	if err := ws.ReadJSON(&msg); err != nil || msg.Type != msgRegisterAgent {
		ws.Close()
		return
	}
	var reg registerPayload
	msg.decode(&reg)

	// A broadcast ahead of the ack must be ignored
	early, _ := newMessage("neural-event", map[string]string{"type": "agent:connected"})
	ws.WriteJSON(early)

	if h.reject != "" {
		reply, _ := newMessage(msgError, map[string]string{"message": h.reject})
		ws.WriteJSON(reply)
		ws.Close()
		return
	}
	reply, _ := newMessage(msgRegistered, registeredPayload{ID: reg.AgentID, Kind: "agent"})
	ws.WriteJSON(reply)
	h.conns <- ws
}

func startWSHub(t *testing.T, reject string) (*wsHub, *Config) {
	t.Helper()
	hub := &wsHub{reject: reject, auth: make(chan string, 4), conns: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	cfg := testAgentConfig()
	cfg.HubURL = srv.URL
	cfg.Token = "secret"
	cfg.HeartbeatInterval = 50 * time.Millisecond
	return hub, cfg
}

func (h *wsHub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-h.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("agent never registered")
		return nil
	}
}

func readFrame(t *testing.T, ws *websocket.Conn, msgType string) message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg message
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestSessionRunsCommands(t *testing.T) {
	hub, cfg := startWSHub(t, "")
	exec := NewExecutor(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := Dial(ctx, cfg, exec, newHubClient(cfg))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if got := <-hub.auth; got != "Bearer secret" {
		t.Errorf("expected bearer token on upgrade, got %q", got)
	}
	ws := hub.accept(t)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	cmd, _ := newMessage(msgCommandExecute, map[string]any{
		"command": command{ID: "c1", CommandType: CommandEcho, CommandData: map[string]any{"msg": "hi"}},
	})
	ws.WriteJSON(cmd)

	var first, final commandResult
	readFrame(t, ws, msgCommandResult).decode(&first)
	readFrame(t, ws, msgCommandResult).decode(&final)
	if first.CommandID != "c1" || first.Status != statusExecuting {
		t.Errorf("expected EXECUTING ack first, got %+v", first)
	}
	if final.Status != statusCompleted || final.Result["msg"] != "hi" {
		t.Errorf("unexpected final result %+v", final)
	}

	var hb heartbeatPayload
	readFrame(t, ws, msgHeartbeat).decode(&hb)
	if hb.AgentID != cfg.AgentID {
		t.Errorf("heartbeat for wrong agent: %+v", hb)
	}

	update, _ := newMessage(msgConfigUpdate, map[string]any{"config": map[string]any{"level": "debug"}})
	ws.WriteJSON(update)
	deadline := time.Now().Add(2 * time.Second)
	for exec.Config()["level"] != "debug" {
		if time.Now().After(deadline) {
			t.Fatal("config update never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionEndsWhenHubDrops(t *testing.T) {
	hub, cfg := startWSHub(t, "")
	sess, err := Dial(context.Background(), cfg, NewExecutor(cfg, nil), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	ws := hub.accept(t)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(context.Background()) }()
	ws.Close()

	select {
	case err := <-runErr:
		if err == nil {
			t.Error("expected an error when the hub goes away")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not notice the dropped connection")
	}
}

func TestDialRejected(t *testing.T) {
	_, cfg := startWSHub(t, "agentId is required")
	_, err := Dial(context.Background(), cfg, NewExecutor(cfg, nil), nil)
	if err == nil || !strings.Contains(err.Error(), "agentId is required") {
		t.Errorf("expected rejection reason, got %v", err)
	}
}
