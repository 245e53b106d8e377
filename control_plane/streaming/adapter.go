package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/store"
)

// DefaultCacheTTL is how long published events stay readable by id.
const DefaultCacheTTL = time.Hour

// Adapter publishes events onto the broker, caches them for lookup by id
// and fans consumed events out to registered handlers.
type Adapter struct {
	broker  Broker
	cache   store.KV
	ttl     time.Duration
	breaker *CircuitBreaker

	mu       sync.RWMutex
	handlers []namedHandler
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewAdapter wires a broker to the event cache. breaker may be nil.
func NewAdapter(broker Broker, cache store.KV, ttl time.Duration, breaker *CircuitBreaker) *Adapter {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Adapter{
		broker:  broker,
		cache:   cache,
		ttl:     ttl,
		breaker: breaker,
	}
}

// Publish hands ev to the broker and caches it under event:<id>.
// A broker failure is returned as a DeliveryError. A cache failure is logged
// only, since the event is already durable.
func (a *Adapter) Publish(ctx context.Context, ev events.Event) error {
	if !a.breaker.Allow() {
		observability.EventPublishFailures.WithLabelValues("circuit_open").Inc()
		return &errs.DeliveryError{Target: "broker", Err: fmt.Errorf("publish circuit open")}
	}

	if err := a.broker.Publish(ctx, ev); err != nil {
		a.breaker.RecordFailure()
		observability.EventPublishFailures.WithLabelValues("broker_error").Inc()
		log.Printf("[BACKBONE] Publish of %s (%s) failed: %v", ev.ID, ev.Type, err)
		return &errs.DeliveryError{Target: "broker", Err: err}
	}
	a.breaker.RecordSuccess()
	observability.EventsPublished.WithLabelValues(ev.Type).Inc()

	if a.cache != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			err = a.cache.Set(ctx, store.EventKey(ev.ID), string(data), a.ttl)
		}
		if err != nil {
			observability.EventPublishFailures.WithLabelValues("cache_error").Inc()
			log.Printf("[BACKBONE] Failed to cache event %s: %v", ev.ID, err)
		}
	}
	return nil
}

// Lookup returns a recently published event from the cache.
func (a *Adapter) Lookup(ctx context.Context, eventID string) (*events.Event, error) {
	if a.cache == nil {
		return nil, errs.NotFound("event", eventID)
	}
	raw, ok, err := a.cache.Get(ctx, store.EventKey(eventID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("event", eventID)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("corrupt cached event %s: %w", eventID, err)
	}
	return &ev, nil
}

// Subscribe registers h. Handlers run in registration order for every
// consumed event.
func (a *Adapter) Subscribe(name string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, namedHandler{name: name, handler: h})
}

// Run consumes from the broker until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	log.Printf("[BACKBONE] Consumer started")
	err := a.broker.Consume(ctx, a.dispatch)
	log.Printf("[BACKBONE] Consumer stopped")
	return err
}

func (a *Adapter) dispatch(ctx context.Context, ev events.Event) {
	a.mu.RLock()
	handlers := make([]namedHandler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.RUnlock()

	for _, h := range handlers {
		if err := a.invoke(ctx, h, ev); err != nil {
			observability.EventsConsumed.WithLabelValues("handler_error").Inc()
			log.Printf("[BACKBONE] Handler %s failed on %s (%s): %v", h.name, ev.ID, ev.Type, err)
		}
	}
	observability.EventsConsumed.WithLabelValues("handled").Inc()
}

// invoke shields the consumer loop from a panicking handler.
func (a *Adapter) invoke(ctx context.Context, h namedHandler, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.HandlerPanics.Inc()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.handler.HandleEvent(ctx, ev)
}

// Close releases the broker.
func (a *Adapter) Close() error {
	return a.broker.Close()
}
