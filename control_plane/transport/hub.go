package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/observability"
)

const (
	maxWSConnections = 1000
	sendBufferSize   = 64
	maxMessageSize   = 1 << 20

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ErrConnClosed is returned when writing to a connection that has gone away.
var ErrConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Products and agents connect from arbitrary hosts
		return true
	},
}

// Handler receives inbound frames and disconnect notifications.
type Handler interface {
	HandleMessage(ctx context.Context, c *Conn, msg Message) error
	HandleDisconnect(ctx context.Context, c *Conn)
}

// Hub manages websocket connections grouped into rooms. Fan-out is best
// effort: a client whose buffer is full misses the message.
type Hub struct {
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
	mu    sync.RWMutex

	register   chan registration
	unregister chan *Conn
	done       chan struct{}

	handler Handler
}

type registration struct {
	conn  *Conn
	reply chan bool
}

// NewHub creates a hub. SetHandler must be called before ServeWS.
func NewHub() *Hub {
	return &Hub{
		conns:      make(map[string]*Conn),
		rooms:      make(map[string]map[string]*Conn),
		register:   make(chan registration),
		unregister: make(chan *Conn),
		done:       make(chan struct{}),
	}
}

func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// Run processes registrations until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.conns) >= maxWSConnections {
				h.mu.Unlock()
				log.Printf("[TRANSPORT] Connection rejected: max connections (%d) reached", maxWSConnections)
				reg.reply <- false
				continue
			}
			h.conns[reg.conn.id] = reg.conn
			total := len(h.conns)
			h.mu.Unlock()
			observability.WSConnections.Set(float64(total))
			reg.reply <- true

		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; ok {
		delete(h.conns, c.id)
		for _, room := range c.Rooms() {
			if members, ok := h.rooms[room]; ok {
				delete(members, c.id)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	c.close()
	observability.WSConnections.Set(float64(total))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.rooms = make(map[string]map[string]*Conn)
	h.mu.Unlock()

	log.Printf("[TRANSPORT] Shutting down with %d connections", len(conns))
	for _, c := range conns {
		c.close()
	}
	observability.WSConnections.Set(0)
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[TRANSPORT] Upgrade failed: %v", err)
		return
	}

	c := &Conn{
		id:         uuid.NewString(),
		ws:         ws,
		hub:        h,
		send:       make(chan outbound, sendBufferSize),
		closed:     make(chan struct{}),
		rooms:      make(map[string]struct{}),
		RemoteAddr: r.RemoteAddr,
	}

	reply := make(chan bool, 1)
	select {
	case h.register <- registration{conn: c, reply: reply}:
	case <-h.done:
		ws.Close()
		return
	}
	if !<-reply {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.writePump()
	c.readPump(ctx)

	select {
	case h.unregister <- c:
	case <-h.done:
		c.close()
	}
	if h.handler != nil {
		h.handler.HandleDisconnect(ctx, c)
	}
}

// JoinRoom adds c to room.
func (h *Hub) JoinRoom(c *Conn, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.id] = c
	c.addRoom(room)
}

// LeaveRoom removes c from room.
func (h *Hub) LeaveRoom(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.removeRoom(room)
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues msg to every connection and returns how many accepted it.
func (h *Hub) Broadcast(msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[TRANSPORT] Failed to encode %s: %v", msg.Type, err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return fanOut(targets, msg.Type, data)
}

// SendToRoom queues msg to the members of room only.
func (h *Hub) SendToRoom(room string, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[TRANSPORT] Failed to encode %s: %v", msg.Type, err)
		return 0
	}

	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Conn, 0, len(members))
	for _, c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return fanOut(targets, msg.Type, data)
}

func fanOut(targets []*Conn, msgType string, data []byte) int {
	sent := 0
	for _, c := range targets {
		if c.enqueue(outbound{data: data}) == nil {
			sent++
		}
	}
	observability.WSMessagesSent.WithLabelValues(msgType).Add(float64(sent))
	return sent
}

// Deliver writes msg to connection connID and waits for the write to be
// flushed to the socket. It fails with TimeoutError if ctx expires before
// the write starts, and the frame is then never sent.
func (h *Hub) Deliver(ctx context.Context, connID string, msg Message) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return &errs.DeliveryError{Target: connID, Err: ErrConnClosed}
	}
	return c.Deliver(ctx, msg)
}

// Conn is one websocket session.
type Conn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub

	send      chan outbound
	closed    chan struct{}
	closeOnce sync.Once

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	RemoteAddr string
}

type outbound struct {
	data  []byte
	done  chan error    // nil for fire-and-forget frames
	state *atomic.Int32 // nil for fire-and-forget frames
}

const (
	frameQueued int32 = iota
	frameWriting
	frameAbandoned
)

// claim reports whether the frame should still be written. A confirmed
// frame whose sender gave up is skipped.
func (o outbound) claim() bool {
	return o.state == nil || o.state.CompareAndSwap(frameQueued, frameWriting)
}

// ID is the transport session id.
func (c *Conn) ID() string { return c.id }

// Rooms returns the rooms this connection joined.
func (c *Conn) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *Conn) addRoom(room string) {
	c.roomsMu.Lock()
	c.rooms[room] = struct{}{}
	c.roomsMu.Unlock()
}

func (c *Conn) removeRoom(room string) {
	c.roomsMu.Lock()
	delete(c.rooms, room)
	c.roomsMu.Unlock()
}

// Send queues msg without waiting for the write.
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.enqueue(outbound{data: data}); err != nil {
		return err
	}
	observability.WSMessagesSent.WithLabelValues(msg.Type).Inc()
	return nil
}

// SendError reports a failure to this connection only.
func (c *Conn) SendError(message string) {
	msg, _ := NewMessage(MsgError, ErrorPayload{Message: message})
	if err := c.Send(msg); err != nil {
		log.Printf("[TRANSPORT] Could not send error to %s: %v", c.id, err)
	}
}

// Deliver queues msg and waits until it has been written to the socket.
// If ctx ends while the frame is still queued, the frame is dropped and
// TimeoutError returned, so a timed-out frame never reaches the client.
func (c *Conn) Deliver(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	state := new(atomic.Int32)
	if err := c.enqueue(outbound{data: data, done: done, state: state}); err != nil {
		return &errs.DeliveryError{Target: c.id, Err: err}
	}
	observability.WSMessagesSent.WithLabelValues(msg.Type).Inc()

	select {
	case err := <-done:
		return c.writeResult(err)
	case <-c.closed:
		return &errs.DeliveryError{Target: c.id, Err: ErrConnClosed}
	case <-ctx.Done():
		if state.CompareAndSwap(frameQueued, frameAbandoned) {
			return &errs.TimeoutError{Op: "transport send", ID: c.id}
		}
	}

	// The write already started; it is bounded by writeWait
	select {
	case err := <-done:
		return c.writeResult(err)
	case <-c.closed:
		return &errs.DeliveryError{Target: c.id, Err: ErrConnClosed}
	}
}

func (c *Conn) writeResult(err error) error {
	if err != nil {
		return &errs.DeliveryError{Target: c.id, Err: err}
	}
	return nil
}

var errSendBufferFull = errors.New("send buffer full")

func (c *Conn) enqueue(o outbound) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- o:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		observability.WSMessagesDropped.Inc()
		log.Printf("[TRANSPORT] Send buffer full for %s, dropping message", c.id)
		return errSendBufferFull
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[TRANSPORT] Read error on %s: %v", c.id, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.SendError("malformed message: expected {type, payload}")
			continue
		}
		if c.hub.handler == nil {
			continue
		}
		if err := c.hub.handler.HandleMessage(ctx, c, msg); err != nil {
			log.Printf("[TRANSPORT] %s from %s failed: %v", msg.Type, c.id, err)
			c.SendError(err.Error())
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return

		case o := <-c.send:
			if !o.claim() {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.TextMessage, o.data)
			if o.done != nil {
				o.done <- err
			}
			if err != nil {
				log.Printf("[TRANSPORT] Write error on %s: %v", c.id, err)
				c.close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
