package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

// roomHandler joins rooms on request and fails on "boom" messages.
type roomHandler struct {
	hub *Hub

	mu           sync.Mutex
	disconnected []string
	joined       chan string
}

func (h *roomHandler) HandleMessage(ctx context.Context, c *Conn, msg Message) error {
	switch msg.Type {
	case MsgJoinRoom:
		var p JoinRoomPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		h.hub.JoinRoom(c, p.Room)
		h.joined <- c.ID()
		return nil
	case "boom":
		return errors.New("handler rejected message")
	}
	return nil
}

func (h *roomHandler) HandleDisconnect(ctx context.Context, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, c.ID())
}

func (h *roomHandler) disconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.disconnected)
}

func startHub(t *testing.T) (*Hub, *roomHandler, string) {
	t.Helper()
	hub := NewHub()
	handler := &roomHandler{hub: hub, joined: make(chan string, 16)}
	hub.SetHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, handler, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func join(t *testing.T, ws *websocket.Conn, h *roomHandler, room string) {
	t.Helper()
	msg, _ := NewMessage(MsgJoinRoom, JoinRoomPayload{Room: room})
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	select {
	case <-h.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out joining room")
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg Message
	if err := ws.ReadJSON(&msg); err == nil {
		t.Errorf("expected no message, got %s", msg.Type)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRoomTargetedDelivery(t *testing.T) {
	hub, handler, url := startHub(t)

	p1 := dial(t, url)
	p2 := dial(t, url)
	join(t, p1, handler, "P1")
	join(t, p2, handler, "P2")

	msg, _ := NewMessage(MsgProductEvent, map[string]string{"hello": "P1"})
	if n := hub.SendToRoom("P1", msg); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}

	if got := readMessage(t, p1); got.Type != MsgProductEvent {
		t.Errorf("expected product-event, got %s", got.Type)
	}
	expectSilence(t, p2)
}

func TestBroadcastReachesEveryone(t *testing.T) {
	hub, _, url := startHub(t)

	a := dial(t, url)
	b := dial(t, url)
	waitFor(t, func() bool { return hub.ConnCount() == 2 })

	msg, _ := NewMessage(MsgNeuralEvent, map[string]string{"k": "v"})
	if n := hub.Broadcast(msg); n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
	for _, ws := range []*websocket.Conn{a, b} {
		if got := readMessage(t, ws); got.Type != MsgNeuralEvent {
			t.Errorf("expected neural-event, got %s", got.Type)
		}
	}
}

func TestErrorsGoToOriginOnly(t *testing.T) {
	hub, _, url := startHub(t)

	origin := dial(t, url)
	bystander := dial(t, url)
	waitFor(t, func() bool { return hub.ConnCount() == 2 })

	origin.WriteJSON(Message{Type: "boom"})
	got := readMessage(t, origin)
	if got.Type != MsgError {
		t.Fatalf("expected error message, got %s", got.Type)
	}
	var p ErrorPayload
	got.Decode(&p)
	if p.Message != "handler rejected message" {
		t.Errorf("unexpected error text %q", p.Message)
	}
	expectSilence(t, bystander)

	// Malformed frames are answered too
	origin.WriteMessage(websocket.TextMessage, []byte("not json"))
	if got := readMessage(t, origin); got.Type != MsgError {
		t.Errorf("expected error for malformed frame, got %s", got.Type)
	}
}

func TestDisconnectCleansRooms(t *testing.T) {
	hub, handler, url := startHub(t)

	ws := dial(t, url)
	join(t, ws, handler, "agent-1")
	if hub.RoomSize("agent-1") != 1 {
		t.Fatalf("expected room membership")
	}

	ws.Close()
	waitFor(t, func() bool { return handler.disconnects() == 1 })
	waitFor(t, func() bool { return hub.RoomSize("agent-1") == 0 && hub.ConnCount() == 0 })
}

func TestDeliverConfirmsWrite(t *testing.T) {
	hub, handler, url := startHub(t)

	ws := dial(t, url)
	join(t, ws, handler, "agent-1")

	var connID string
	hub.mu.RLock()
	for id := range hub.rooms["agent-1"] {
		connID = id
	}
	hub.mu.RUnlock()

	msg, _ := NewMessage(MsgCommandExecute, map[string]string{"id": "c1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Deliver(ctx, connID, msg); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if got := readMessage(t, ws); got.Type != MsgCommandExecute {
		t.Errorf("expected command:execute, got %s", got.Type)
	}

	if err := hub.Deliver(ctx, "no-such-conn", msg); err == nil {
		t.Error("expected delivery to an unknown connection to fail")
	}
}

func TestDeliverTimeoutDropsQueuedFrame(t *testing.T) {
	// No write pump: the frame sits in the buffer past the deadline
	c := &Conn{id: "stalled", send: make(chan outbound, 1), closed: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msg, _ := NewMessage(MsgCommandExecute, map[string]string{"id": "c1"})
	if err := c.Deliver(ctx, msg); !errs.IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	o := <-c.send
	if o.claim() {
		t.Error("a timed-out frame must not be written later")
	}
	fireAndForget := outbound{data: []byte("{}")}
	if !fireAndForget.claim() {
		t.Error("plain frames are always written")
	}
}
