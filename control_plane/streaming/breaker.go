package streaming

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itskum47/neuralhub/control_plane/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Failing fast
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards broker publishes. After threshold consecutive
// failures it opens and rejects publishes until cooldown has elapsed, then
// lets a single probe through.
type CircuitBreaker struct {
	mu    sync.Mutex
	state CircuitState
	clock clock.Clock

	threshold int
	cooldown  time.Duration

	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a breaker. A threshold <= 0 disables it.
func NewCircuitBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		state:     CircuitClosed,
		clock:     clk,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a publish may be attempted now.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil || cb.threshold <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.cooldown {
		cb.setState(CircuitHalfOpen)
		cb.probing = false
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || cb.threshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != CircuitClosed {
		cb.setState(CircuitClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || cb.threshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.openedAt = cb.clock.Now()
		cb.probing = false
		cb.setState(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.PublishCircuitState.Set(float64(s))
}
