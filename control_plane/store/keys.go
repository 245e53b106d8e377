package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceProduct Resource = "products"
	ResourceAgent   Resource = "agents"
	ResourceCommand Resource = "commands"
	ResourceAlert   Resource = "alerts"
)

const keyPrefix = "neuralhub"

// Key constructs a fully qualified Redis key for a resource.
// Format: neuralhub:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, resource, id)
}

// IndexKey is the sorted set holding the ids of a resource in insertion order.
// Format: neuralhub:{resource}:index
func IndexKey(resource Resource) string {
	return fmt.Sprintf("%s:%s:index", keyPrefix, resource)
}

// AgentIndexKey scopes an index to a single agent.
// Format: neuralhub:agents:{agentID}:{resource}
func AgentIndexKey(agentID string, resource Resource) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, ResourceAgent, agentID, resource)
}

// MetricsKey holds the capped list of samples for one agent and metric type.
// Format: neuralhub:agents:{agentID}:metrics:{type}
func MetricsKey(agentID string, metricType MetricType) string {
	if metricType == "" {
		metricType = "all"
	}
	return fmt.Sprintf("%s:%s:%s:metrics:%s", keyPrefix, ResourceAgent, agentID, metricType)
}

// EventKey is the cache key for a published event.
func EventKey(eventID string) string {
	return "event:" + eventID
}
