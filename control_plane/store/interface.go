package store

import (
	"context"
	"time"
)

// Store defines the methods required for a permanent storage backend.
// It abstracts over Postgres (durable), Redis (shared/fast) and memory (dev, tests).
// Getters return (nil, nil) when the record does not exist.
type Store interface {
	// Product Operations
	UpsertProduct(ctx context.Context, p *Product) error
	ListProducts(ctx context.Context) ([]*Product, error)

	// Agent Operations
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	TouchAgent(ctx context.Context, agentID string, t time.Time, status AgentStatus) error

	// Metric Operations
	AppendMetric(ctx context.Context, m *AgentMetric) error
	// ListMetrics returns the most recent samples first. An empty metricType matches all types.
	ListMetrics(ctx context.Context, agentID string, metricType MetricType, limit int) ([]*AgentMetric, error)

	// Alert Operations
	CreateAlert(ctx context.Context, alert *AgentAlert) error
	ListAlerts(ctx context.Context, agentID string, resolved *bool) ([]*AgentAlert, error)
	ResolveAlert(ctx context.Context, agentID string, alertID string, at time.Time) (*AgentAlert, error)

	// Command Operations
	CreateCommand(ctx context.Context, cmd *AgentCommand) error
	GetCommand(ctx context.Context, commandID string) (*AgentCommand, error)
	// ListCommands returns commands in creation order. An empty status matches all.
	ListCommands(ctx context.Context, agentID string, status CommandStatus) ([]*AgentCommand, error)
	// TransitionCommand applies u atomically. It fails with a ValidationError
	// when the state machine forbids the move.
	TransitionCommand(ctx context.Context, commandID string, u CommandUpdate) (*AgentCommand, error)
}

// KV is the shared key/value surface used for the event cache and
// processed-event markers.
type KV interface {
	// Get returns ("", false, nil) when the key is missing or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}
