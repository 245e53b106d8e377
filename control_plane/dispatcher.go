package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/correlator"
	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/store"
	"github.com/itskum47/neuralhub/control_plane/transport"
	"github.com/itskum47/neuralhub/control_plane/workflow"
)

// CommandExecuteAction is the queued command type for a product action that
// could not be delivered live.
const CommandExecuteAction = "execute-action"

// deliverTimeout bounds a confirmed write to one connection.
const deliverTimeout = 10 * time.Second

// DispatchAction reaches the step's target. A connected product gets an
// execute-action in its room; a registered product that is offline gets a
// queued command; an agent id goes through the correlator.
func (s *Server) DispatchAction(ctx context.Context, req workflow.ActionRequest) error {
	product, perr := s.products.Get(req.ProductID)
	if perr == nil {
		msg, err := transport.NewMessage(transport.MsgExecuteAction, transport.ExecuteActionPayload{
			ProductID:  product.ID,
			Action:     req.Action,
			Parameters: req.Parameters,
			Context:    actionContext(req),
		})
		if err != nil {
			return err
		}
		if s.transport.SendToRoom(product.ID, msg) > 0 {
			return nil
		}
		return s.queueProductAction(ctx, req)
	}
	if !errs.IsNotFound(perr) {
		return perr
	}

	p, err := s.commands.SendCommand(ctx, req.ProductID, req.Action, map[string]any{
		"parameters": req.Parameters,
		"context":    actionContext(req),
	})
	if err != nil {
		if errs.IsNotFound(err) {
			return errs.NotFound("product", req.ProductID)
		}
		return err
	}
	if p.Queued {
		log.Printf("[DISPATCH] Agent %s offline, action %s queued as command %s", req.ProductID, req.Action, p.Command.ID)
	}
	return nil
}

// queueProductAction stores the action as a PENDING command keyed by the
// product id. It is delivered when the product registers again.
func (s *Server) queueProductAction(ctx context.Context, req workflow.ActionRequest) error {
	cmd := &store.AgentCommand{
		ID:          uuid.NewString(),
		AgentID:     req.ProductID,
		CommandType: CommandExecuteAction,
		CommandData: map[string]any{
			"action":     req.Action,
			"parameters": req.Parameters,
			"context":    actionContext(req),
		},
		Status:    store.CommandPending,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return fmt.Errorf("failed to queue action for %s: %w", req.ProductID, err)
	}
	log.Printf("[DISPATCH] Product %s offline, action %s queued as command %s", req.ProductID, req.Action, cmd.ID)
	return nil
}

// drainProductActions replays queued actions to a product that just
// registered on c, in creation order.
func (s *Server) drainProductActions(ctx context.Context, c *transport.Conn, productID string) {
	queued, err := s.store.ListCommands(ctx, productID, store.CommandPending)
	if err != nil {
		log.Printf("[DISPATCH] Failed to list queued actions for %s: %v", productID, err)
		return
	}
	for _, cmd := range queued {
		if cmd.CommandType != CommandExecuteAction {
			continue
		}
		action, _ := cmd.CommandData["action"].(string)
		params, _ := cmd.CommandData["parameters"].(map[string]any)
		actx, _ := cmd.CommandData["context"].(map[string]any)
		msg, err := transport.NewMessage(transport.MsgExecuteAction, transport.ExecuteActionPayload{
			ProductID:  productID,
			Action:     action,
			Parameters: params,
			Context:    actx,
		})
		if err != nil {
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err = c.Deliver(dctx, msg)
		cancel()
		if err != nil {
			log.Printf("[DISPATCH] Replay to %s stopped at command %s: %v", productID, cmd.ID, err)
			return
		}
		if _, err := s.store.TransitionCommand(ctx, cmd.ID, store.CommandUpdate{
			Status: store.CommandSent,
			At:     s.clock.Now().UTC(),
		}); err != nil {
			log.Printf("[DISPATCH] Failed to mark queued action %s SENT: %v", cmd.ID, err)
		}
	}
}

// DeliverCommand pushes cmd to the agent's live session and waits for the
// write. Without a session the command stays queued.
func (s *Server) DeliverCommand(ctx context.Context, cmd *store.AgentCommand) error {
	session, ok := s.agents.Session(cmd.AgentID)
	if !ok {
		return correlator.ErrNoSession
	}
	msg, err := transport.NewMessage(transport.MsgCommandExecute, transport.CommandExecutePayload{Command: cmd})
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	err = s.transport.Deliver(dctx, session.SessionRef, msg)
	if errors.Is(err, transport.ErrConnClosed) {
		return correlator.ErrNoSession
	}
	return err
}

func actionContext(req workflow.ActionRequest) map[string]any {
	ctx := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		ctx[k] = v
	}
	if req.RunID != "" {
		ctx["runId"] = req.RunID
	}
	if req.WorkflowID != "" {
		ctx["workflowId"] = req.WorkflowID
	}
	return ctx
}
