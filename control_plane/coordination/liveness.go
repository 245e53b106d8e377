package coordination

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"
)

// StaleMarker flips products not seen since cutoff to inactive.
type StaleMarker interface {
	MarkStale(ctx context.Context, cutoff time.Time) []string
}

// LivenessMonitor periodically expires products whose heartbeats stopped.
type LivenessMonitor struct {
	products  StaleMarker
	interval  time.Duration
	threshold time.Duration
	clock     clock.Clock
}

func NewLivenessMonitor(products StaleMarker, interval, threshold time.Duration, clk clock.Clock) *LivenessMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &LivenessMonitor{
		products:  products,
		interval:  interval,
		threshold: threshold,
		clock:     clk,
	}
}

func (m *LivenessMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *LivenessMonitor) loop(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	log.Printf("[LIVENESS] Starting product liveness monitor (interval: %v, threshold: %v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one pass and returns the products marked inactive.
func (m *LivenessMonitor) Check(ctx context.Context) []string {
	cutoff := m.clock.Now().Add(-m.threshold)
	expired := m.products.MarkStale(ctx, cutoff)
	if len(expired) > 0 {
		log.Printf("[LIVENESS] %d products expired: %v", len(expired), expired)
	}
	return expired
}
