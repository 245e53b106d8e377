package streaming

import (
	"context"

	"github.com/itskum47/neuralhub/control_plane/events"
)

// Broker is the durable pub/sub transport beneath the Adapter.
type Broker interface {
	// Publish returns once the broker has accepted the event.
	Publish(ctx context.Context, ev events.Event) error
	// Consume blocks until ctx is done, calling deliver once per message.
	// A message is acknowledged only after deliver returns, so a crash
	// inside deliver leads to redelivery.
	Consume(ctx context.Context, deliver func(context.Context, events.Event)) error
	Close() error
}

// Handler processes a consumed event. Returned errors are logged by the
// adapter and never stop consumption.
type Handler interface {
	HandleEvent(ctx context.Context, ev events.Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, ev events.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev events.Event) error {
	return f(ctx, ev)
}
