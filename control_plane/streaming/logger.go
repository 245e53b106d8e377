package streaming

import (
	"context"
	"log"

	"github.com/itskum47/neuralhub/control_plane/events"
)

// LogHandler writes one line per consumed event. Enabled with LOG_EVENTS.
type LogHandler struct {
	logger *log.Logger
}

func NewLogHandler() *LogHandler {
	return &LogHandler{
		logger: log.Default(),
	}
}

func (h *LogHandler) HandleEvent(ctx context.Context, ev events.Event) error {
	h.logger.Printf("[BACKBONE] EVENT %s id=%s source=%s targets=%v payload=%s",
		ev.Type, ev.ID, ev.Source, ev.TargetProducts, truncate(ev.Payload, 256))
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
