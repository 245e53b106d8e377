package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/registry"
	"github.com/itskum47/neuralhub/control_plane/store"
	"github.com/itskum47/neuralhub/control_plane/transport"
)

// wsHandler implements the client -> hub message catalog.
type wsHandler struct {
	s *Server

	mu           sync.Mutex
	productConns map[string]map[string]struct{} // productID -> connIDs
	connProduct  map[string]string              // connID -> productID
}

func newWSHandler(s *Server) *wsHandler {
	return &wsHandler{
		s:            s,
		productConns: make(map[string]map[string]struct{}),
		connProduct:  make(map[string]string),
	}
}

type registerAgentPayload struct {
	AgentID string `json:"agentId"`
	registry.AgentMetadata
}

func (h *wsHandler) HandleMessage(ctx context.Context, c *transport.Conn, msg transport.Message) error {
	switch msg.Type {
	case transport.MsgRegisterProduct:
		var reg registry.ProductRegistration
		if err := msg.Decode(&reg); err != nil {
			return errs.Validation("payload", err.Error())
		}
		return h.registerProduct(ctx, c, reg)

	case transport.MsgRegisterAgent:
		var p registerAgentPayload
		if err := msg.Decode(&p); err != nil {
			return errs.Validation("payload", err.Error())
		}
		return h.registerAgent(ctx, c, p)

	case transport.MsgProductEvent:
		var p transport.ProductEventPayload
		if err := msg.Decode(&p); err != nil {
			return errs.Validation("payload", err.Error())
		}
		if p.Event.Source == "" {
			p.Event.Source = h.productFor(c.ID())
		}
		_, err := h.s.Publish(ctx, p.Event)
		return err

	case transport.MsgHeartbeat:
		var p transport.HeartbeatPayload
		if err := msg.Decode(&p); err != nil {
			return errs.Validation("payload", err.Error())
		}
		return h.heartbeat(ctx, c, p)

	case transport.MsgCommandSend:
		var p transport.CommandSendPayload
		if err := msg.Decode(&p); err != nil {
			return errs.Validation("payload", err.Error())
		}
		return h.sendCommand(ctx, c, p)

	case transport.MsgCommandResult:
		var p transport.CommandResultPayload
		if err := msg.Decode(&p); err != nil {
			return errs.Validation("payload", err.Error())
		}
		_, err := h.s.recordCommandResult(ctx, p.CommandID, store.CommandUpdate{
			Status: p.Status,
			Result: p.Result,
			Error:  p.Error,
		})
		return err

	case transport.MsgJoinRoom:
		var p transport.JoinRoomPayload
		if err := msg.Decode(&p); err != nil {
			return errs.Validation("payload", err.Error())
		}
		if strings.TrimSpace(p.Room) == "" {
			return errs.Validation("room", "is required")
		}
		h.s.transport.JoinRoom(c, p.Room)
		return nil

	case transport.MsgLeaveRoom:
		var p transport.JoinRoomPayload
		if err := msg.Decode(&p); err != nil {
			return errs.Validation("payload", err.Error())
		}
		h.s.transport.LeaveRoom(c, p.Room)
		return nil
	}
	return errs.Validation("type", fmt.Sprintf("unknown message type %q", msg.Type))
}

func (h *wsHandler) registerProduct(ctx context.Context, c *transport.Conn, reg registry.ProductRegistration) error {
	p, err := h.s.products.Register(ctx, reg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if prev, ok := h.connProduct[c.ID()]; ok && prev != p.ID {
		delete(h.productConns[prev], c.ID())
	}
	h.connProduct[c.ID()] = p.ID
	if h.productConns[p.ID] == nil {
		h.productConns[p.ID] = make(map[string]struct{})
	}
	h.productConns[p.ID][c.ID()] = struct{}{}
	h.mu.Unlock()

	h.s.transport.JoinRoom(c, p.ID)
	if err := h.reply(c, transport.MsgRegistered, transport.RegisteredPayload{ID: p.ID, Kind: "product"}); err != nil {
		return err
	}
	go h.s.drainProductActions(context.Background(), c, p.ID)
	return nil
}

func (h *wsHandler) registerAgent(ctx context.Context, c *transport.Conn, p registerAgentPayload) error {
	agentID := strings.TrimSpace(p.AgentID)
	if agentID == "" {
		agentID = uuid.NewString()
	}
	agent, err := h.s.agents.Connect(ctx, agentID, c.ID(), p.AgentMetadata)
	if err != nil {
		return err
	}

	h.s.transport.JoinRoom(c, agent.ID)
	if err := h.reply(c, transport.MsgRegistered, transport.RegisteredPayload{ID: agent.ID, Kind: "agent"}); err != nil {
		return err
	}

	go func() {
		if _, err := h.s.commands.DrainQueue(context.Background(), agent.ID); err != nil {
			log.Printf("[TRANSPORT] Queue drain for agent %s failed: %v", agent.ID, err)
		}
	}()
	return nil
}

func (h *wsHandler) heartbeat(ctx context.Context, c *transport.Conn, p transport.HeartbeatPayload) error {
	switch {
	case p.ProductID != "":
		if !h.s.heartbeats.Allow("product:" + p.ProductID) {
			return errs.Validation("heartbeat", "rate limited")
		}
		_, err := h.s.products.Heartbeat(ctx, p.ProductID)
		return err
	case p.AgentID != "":
		if !h.s.heartbeats.Allow("agent:" + p.AgentID) {
			return errs.Validation("heartbeat", "rate limited")
		}
		return h.s.agents.Heartbeat(ctx, p.AgentID, p.Status)
	}

	// Bare heartbeat: whatever this connection registered as
	if productID := h.productFor(c.ID()); productID != "" {
		_, err := h.s.products.Heartbeat(ctx, productID)
		return err
	}
	if agentID, ok := h.s.agents.AgentForSession(c.ID()); ok {
		return h.s.agents.Heartbeat(ctx, agentID, p.Status)
	}
	return errs.Validation("heartbeat", "productId or agentId is required")
}

func (h *wsHandler) sendCommand(ctx context.Context, c *transport.Conn, p transport.CommandSendPayload) error {
	pending, err := h.s.commands.SendCommand(ctx, p.AgentID, p.CommandType, p.CommandData)
	if err != nil {
		return err
	}
	if err := h.reply(c, transport.MsgCommandSent, transport.CommandSentPayload{
		CommandID: pending.Command.ID,
		AgentID:   pending.Command.AgentID,
		Status:    pending.Command.Status,
	}); err != nil {
		return err
	}
	return nil
}

func (h *wsHandler) HandleDisconnect(ctx context.Context, c *transport.Conn) {
	h.mu.Lock()
	productID, wasProduct := h.connProduct[c.ID()]
	lastConn := false
	if wasProduct {
		delete(h.connProduct, c.ID())
		delete(h.productConns[productID], c.ID())
		lastConn = len(h.productConns[productID]) == 0
		if lastConn {
			delete(h.productConns, productID)
		}
	}
	h.mu.Unlock()

	if wasProduct && lastConn {
		if err := h.s.products.MarkInactive(ctx, productID); err != nil {
			log.Printf("[TRANSPORT] Failed to mark %s inactive: %v", productID, err)
		}
	}
	h.s.agents.Disconnect(ctx, c.ID())
}

func (h *wsHandler) productFor(connID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connProduct[connID]
}

func (h *wsHandler) reply(c *transport.Conn, msgType string, payload any) error {
	msg, err := transport.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// recordCommandResult applies an agent's report and publishes command:result
// so waiters on other hub instances are released too.
func (s *Server) recordCommandResult(ctx context.Context, commandID string, u store.CommandUpdate) (*store.AgentCommand, error) {
	if strings.TrimSpace(commandID) == "" {
		return nil, errs.Validation("commandId", "is required")
	}
	cmd, err := s.commands.Resolve(ctx, commandID, u)
	if err != nil {
		return nil, err
	}
	if cmd.Status.IsTerminal() {
		if err := s.Emit(ctx, events.Partial{Type: events.TypeCommandResult, Payload: cmd}); err != nil {
			log.Printf("[CORRELATOR] Failed to publish result of %s: %v", cmd.ID, err)
		}
	}
	return cmd, nil
}
