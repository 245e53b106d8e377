package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events accepted by the backbone, by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_events_published_total",
		Help: "Events published to the message backbone",
	}, []string{"event_type"})

	// EventPublishFailures tracks failed publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_event_publish_failures_total",
		Help: "Failed event publish attempts",
	}, []string{"reason"}) // broker_error, circuit_open, cache_error

	// EventsConsumed counts events taken off the backbone by the local consumer.
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_events_consumed_total",
		Help: "Events consumed from the message backbone",
	}, []string{"outcome"}) // handled, duplicate, poison, handler_error

	// HandlerPanics counts subscriber handlers that panicked.
	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuralhub_handler_panics_total",
		Help: "Event handlers recovered from a panic",
	})

	// PublishCircuitState exposes the publish breaker (0=closed, 1=half_open, 2=open).
	PublishCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuralhub_publish_circuit_state",
		Help: "Publish circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// RedisLatency tracks the latency of Redis round trips.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neuralhub_redis_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// === Transport ===

	// WSConnections is the number of open websocket sessions.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuralhub_ws_connections",
		Help: "Currently open websocket connections",
	})

	// WSMessagesSent counts frames queued to clients, by message type.
	WSMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_ws_messages_sent_total",
		Help: "Messages queued to websocket clients",
	}, []string{"message_type"})

	// WSMessagesDropped counts frames dropped because a client buffer was full.
	WSMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuralhub_ws_messages_dropped_total",
		Help: "Messages dropped for slow websocket clients",
	})

	// === Registry ===

	// ProductsRegistered is the number of products by status.
	ProductsRegistered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "neuralhub_products",
		Help: "Registered products by status",
	}, []string{"status"})

	// AgentSessions is the number of agents with a live session.
	AgentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuralhub_agent_sessions",
		Help: "Agents currently bound to a live session",
	})

	// === Workflows ===

	// WorkflowRuns counts workflow executions by outcome.
	WorkflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_workflow_runs_total",
		Help: "Workflow runs",
	}, []string{"workflow_id", "outcome"}) // completed, step_errors

	// WorkflowStepDuration tracks how long individual steps take.
	WorkflowStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neuralhub_workflow_step_duration_seconds",
		Help:    "Workflow step execution time",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"step_type"})

	// === Commands ===

	// CommandsSent counts agent commands by delivery outcome.
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_commands_total",
		Help: "Agent commands by delivery outcome",
	}, []string{"outcome"}) // sent, queued, failed

	// CommandTimeouts counts response waits that expired.
	CommandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuralhub_command_timeouts_total",
		Help: "Command response waits that timed out",
	})

	// CommandLatency measures time from send to result.
	CommandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neuralhub_command_latency_seconds",
		Help:    "Time from command dispatch to result",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// === HTTP ===

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_http_requests_total",
		Help: "HTTP API requests",
	}, []string{"route", "code"})

	// RateLimited counts requests rejected by the heartbeat limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuralhub_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"route"})

	// === Runtime ===

	// RuntimeMode is 1 for the storage backend the hub started with.
	RuntimeMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "neuralhub_runtime_mode",
		Help: "Storage and broker backend in use",
	}, []string{"store", "broker"})
)
