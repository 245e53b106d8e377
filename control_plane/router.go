package main

import (
	"context"
	"log"

	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/store"
	"github.com/itskum47/neuralhub/control_plane/transport"
)

// router is the dispatch path for consumed events: dedupe, correlate
// command results, trigger workflows, fan out to connections. An event is
// marked processed only after its dispatch finished, so a consumer that
// dies mid-event leaves it to the redelivery.
type router struct {
	s *Server
}

func newRouter(s *Server) *router {
	return &router{s: s}
}

func (rt *router) HandleEvent(ctx context.Context, ev events.Event) error {
	fresh, err := rt.s.idempotency.Claim(ctx, ev.ID)
	if err != nil {
		// Processing twice is preferable to dropping the event
		log.Printf("[ROUTER] Could not mark %s processed: %v", ev.ID, err)
	} else if !fresh {
		observability.EventsConsumed.WithLabelValues("duplicate").Inc()
		log.Printf("[ROUTER] Skipping redelivered event %s (%s)", ev.ID, ev.Type)
		return nil
	}

	if ev.Type == events.TypeCommandResult {
		var cmd store.AgentCommand
		if err := ev.Decode(&cmd); err != nil {
			log.Printf("[ROUTER] Malformed command result %s: %v", ev.ID, err)
		} else {
			rt.s.commands.Notify(&cmd)
		}
	}

	rt.s.engine.TriggerWorkflows(ev)
	if err := rt.fanOut(ev); err != nil {
		return err
	}

	if err := rt.s.idempotency.Complete(ctx, ev.ID); err != nil {
		log.Printf("[ROUTER] Could not mark %s done: %v", ev.ID, err)
	}
	return nil
}

// fanOut sends targeted events to their product rooms and everything else
// to every connection. Delivery is best-effort.
func (rt *router) fanOut(ev events.Event) error {
	if len(ev.TargetProducts) > 0 {
		msg, err := transport.NewMessage(transport.MsgProductEvent, transport.EventPayload{Event: ev})
		if err != nil {
			return err
		}
		for _, target := range ev.TargetProducts {
			rt.s.transport.SendToRoom(target, msg)
		}
		return nil
	}

	msg, err := transport.NewMessage(transport.MsgNeuralEvent, transport.EventPayload{Event: ev})
	if err != nil {
		return err
	}
	rt.s.transport.Broadcast(msg)
	return nil
}
