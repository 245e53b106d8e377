package registry

import (
	"context"
	"sync"

	"github.com/itskum47/neuralhub/control_plane/events"
)

// recordingEmitter captures emitted event types.
type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (e *recordingEmitter) Emit(ctx context.Context, p events.Partial) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, p.Type)
	return nil
}

func (e *recordingEmitter) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.types {
		if t == eventType {
			n++
		}
	}
	return n
}
