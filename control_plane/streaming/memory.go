package streaming

import (
	"context"
	"errors"
	"sync"

	"github.com/itskum47/neuralhub/control_plane/events"
)

// ErrBrokerClosed is returned when publishing to a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

const defaultMemoryBuffer = 1024

// MemoryBroker is an in-process broker for standalone mode and tests.
// It provides no durability across restarts.
type MemoryBroker struct {
	queue chan events.Event

	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemoryBroker{
		queue: make(chan events.Event, buffer),
		done:  make(chan struct{}),
	}
}

// Publish blocks while the buffer is full, until ctx is done.
func (b *MemoryBroker) Publish(ctx context.Context, ev events.Event) error {
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}

	select {
	case b.queue <- ev:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, deliver func(context.Context, events.Event)) error {
	for {
		select {
		case ev := <-b.queue:
			deliver(ctx, ev)
		case <-b.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
