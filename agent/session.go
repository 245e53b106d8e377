package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	registerWait = 10 * time.Second
)

// Session is a live websocket registration with the hub.
type Session struct {
	cfg    *Config
	exec   *Executor
	client *hubClient
	conn   *websocket.Conn

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Dial connects, registers the agent and waits for the hub's ack.
func Dial(ctx context.Context, cfg *Config, exec *Executor, client *hubClient) (*Session, error) {
	wsURL, err := cfg.WebsocketURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if client != nil {
		client.authorize(header)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	s := &Session{cfg: cfg, exec: exec, client: client, conn: conn}

	if err := s.send(msgRegisterAgent, registerPayload{
		AgentID:      cfg.AgentID,
		Hostname:     cfg.Hostname,
		OSType:       cfg.OSType,
		AgentVersion: cfg.Version,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(registerWait))
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("no registration ack: %w", err)
		}
		switch msg.Type {
		case msgRegistered:
			var ack registeredPayload
			if err := msg.decode(&ack); err == nil && ack.ID != cfg.AgentID {
				log.Printf("[SESSION] Hub registered us as %s, expected %s", ack.ID, cfg.AgentID)
			}
			conn.SetReadDeadline(time.Time{})
			return s, nil
		case msgError:
			var e struct {
				Message string `json:"message"`
			}
			msg.decode(&e)
			conn.Close()
			return nil, fmt.Errorf("hub rejected registration: %s", e.Message)
		}
		// Broadcasts can arrive ahead of the ack
	}
}

// Run serves hub frames until the connection drops or ctx ends. Commands
// in flight are finished before it returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	go s.heartbeatLoop(ctx)

	err := s.readLoop(ctx)
	cancel()
	s.wg.Wait()
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session closed: %w", err)
		}

		switch msg.Type {
		case msgCommandExecute:
			var p struct {
				Command *command `json:"command"`
			}
			if err := msg.decode(&p); err != nil || p.Command == nil {
				log.Printf("[SESSION] Malformed command frame: %v", err)
				continue
			}
			s.wg.Add(1)
			go s.runCommand(ctx, *p.Command)

		case msgConfigUpdate:
			var p struct {
				Config map[string]any `json:"config"`
			}
			if err := msg.decode(&p); err != nil {
				log.Printf("[SESSION] Malformed config update: %v", err)
				continue
			}
			s.exec.ApplyConfig(p.Config)

		case msgError:
			log.Printf("[SESSION] Hub error: %s", msg.Payload)
		}
	}
}

func (s *Session) runCommand(ctx context.Context, cmd command) {
	defer s.wg.Done()

	s.report(ctx, commandResult{CommandID: cmd.ID, Status: statusExecuting})
	s.report(ctx, s.exec.Execute(ctx, cmd))
}

// report sends over the socket and falls back to HTTP when the write fails.
func (s *Session) report(ctx context.Context, res commandResult) {
	err := s.send(msgCommandResult, res)
	if err == nil {
		return
	}
	if s.client == nil {
		log.Printf("[SESSION] Lost result %s for %s: %v", res.Status, res.CommandID, err)
		return
	}
	if err := s.client.reportCommand(context.WithoutCancel(ctx), s.cfg.AgentID, res); err != nil {
		log.Printf("[SESSION] Could not report %s for %s: %v", res.Status, res.CommandID, err)
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(msgHeartbeat, heartbeatPayload{AgentID: s.cfg.AgentID, Status: "ACTIVE"}); err != nil {
				log.Printf("[SESSION] Heartbeat failed: %v", err)
				return
			}
		}
	}
}

func (s *Session) send(msgType string, payload any) error {
	msg, err := newMessage(msgType, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}
