package main

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itskum47/neuralhub/control_plane/correlator"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/idempotency"
	"github.com/itskum47/neuralhub/control_plane/intent"
	"github.com/itskum47/neuralhub/control_plane/middleware"
	"github.com/itskum47/neuralhub/control_plane/registry"
	"github.com/itskum47/neuralhub/control_plane/store"
	"github.com/itskum47/neuralhub/control_plane/streaming"
	"github.com/itskum47/neuralhub/control_plane/timeline"
	"github.com/itskum47/neuralhub/control_plane/transport"
	"github.com/itskum47/neuralhub/control_plane/workflow"
)

// Backends are the storage and broker implementations chosen at startup.
type Backends struct {
	Store  store.Store
	KV     store.KV
	Broker streaming.Broker
}

// Server owns every hub component. Components talk to each other through
// the server, which implements the narrow interfaces they declare.
type Server struct {
	cfg     Config
	clock   clock.Clock
	started time.Time

	store    store.Store
	kv       store.KV
	codec    *events.Codec
	backbone *streaming.Adapter
	breaker  *streaming.CircuitBreaker

	products  *registry.ProductRegistry
	agents    *registry.AgentRegistry
	transport *transport.Hub
	workflows *workflow.Repository
	engine    *workflow.Engine
	commands  *correlator.Correlator
	timeline  *timeline.Store

	idempotency *idempotency.Store
	heartbeats  *middleware.KeyedLimiter
}

func NewServer(cfg Config, b Backends, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		cfg:     cfg,
		clock:   clk,
		started: clk.Now(),
		store:   b.Store,
		kv:      b.KV,
		codec:   events.NewCodec(cfg.HubID),
	}

	s.breaker = streaming.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, clk)
	s.backbone = streaming.NewAdapter(b.Broker, b.KV, cfg.EventCacheTTL, s.breaker)
	s.idempotency = idempotency.NewStore(b.KV, cfg.EventCacheTTL)
	s.heartbeats = middleware.NewKeyedLimiter(cfg.HeartbeatRate, cfg.HeartbeatBurst)

	emitter := registry.EmitterFunc(s.Emit)
	s.products = registry.NewProductRegistry(b.Store, emitter, clk)
	s.agents = registry.NewAgentRegistry(b.Store, emitter, clk)

	s.transport = transport.NewHub()
	s.transport.SetHandler(newWSHandler(s))

	s.commands = correlator.New(correlator.Config{
		Store:     b.Store,
		Deliverer: s,
		Clock:     clk,
		Timeout:   cfg.CommandTimeout,
	})

	s.workflows = workflow.NewRepository()
	s.timeline = timeline.NewStore(timeline.DefaultMaxRuns)
	s.engine = workflow.NewEngine(workflow.EngineConfig{
		Repository: s.workflows,
		Dispatcher: s,
		Resolver:   s.products,
		Parser:     intent.NewRegexParser(),
		Timeline:   s.timeline,
		Clock:      clk,
	})

	if cfg.LogEvents {
		s.backbone.Subscribe("log", streaming.NewLogHandler())
	}
	s.backbone.Subscribe("router", newRouter(s))
	return s
}

// Start loads persisted state and runs the background loops until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.products.Load(ctx); err != nil {
		return err
	}
	if s.cfg.WorkflowsFile != "" {
		n, err := s.workflows.LoadFile(s.cfg.WorkflowsFile)
		if err != nil {
			return err
		}
		log.Printf("[WORKFLOW] Loaded %d workflow definitions from %s", n, s.cfg.WorkflowsFile)
		if err := s.workflows.Watch(ctx, s.cfg.WorkflowsFile); err != nil {
			log.Printf("[WORKFLOW] Hot reload disabled: %v", err)
		}
	}

	go s.transport.Run(ctx)
	go func() {
		if err := s.backbone.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[BACKBONE] Consumer exited: %v", err)
		}
	}()
	return nil
}

// Close stops workflow runs still in flight and releases the broker.
func (s *Server) Close() {
	s.engine.Close()
	if err := s.backbone.Close(); err != nil {
		log.Printf("[BACKBONE] Close failed: %v", err)
	}
}

// Emit normalizes a hub-originated event and publishes it.
func (s *Server) Emit(ctx context.Context, p events.Partial) error {
	if p.Source == "" {
		p.Source = s.cfg.HubID
	}
	_, err := s.Publish(ctx, p)
	return err
}

// Publish is the single ingress path: codec, then backbone.
func (s *Server) Publish(ctx context.Context, p events.Partial) (events.Event, error) {
	ev, err := s.codec.Normalize(p)
	if err != nil {
		return events.Event{}, err
	}
	if err := s.backbone.Publish(ctx, ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}
