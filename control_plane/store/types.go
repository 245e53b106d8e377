package store

import (
	"fmt"
	"time"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

// ProductStatus is "active" only while heartbeats are recent.
type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

// Product represents a registered external service. Products are never
// hard-deleted, only marked inactive.
type Product struct {
	ID           string        `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	Category     string        `json:"category" db:"category"`
	Endpoint     string        `json:"endpoint" db:"endpoint"`
	Capabilities []string      `json:"capabilities" db:"capabilities"`
	Status       ProductStatus `json:"status" db:"status"`
	LastSeen     time.Time     `json:"lastSeen" db:"last_seen"`
	RegisteredAt time.Time     `json:"registeredAt" db:"registered_at"`
}

// HasCapability reports whether the product advertises capability c.
func (p *Product) HasCapability(c string) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type AgentStatus string

const (
	AgentActive      AgentStatus = "ACTIVE"
	AgentOffline     AgentStatus = "OFFLINE"
	AgentError       AgentStatus = "ERROR"
	AgentMaintenance AgentStatus = "MAINTENANCE"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentOffline, AgentError, AgentMaintenance:
		return true
	}
	return false
}

// Agent is the durable record of a managed endpoint.
type Agent struct {
	ID             string         `json:"id" db:"id"`
	Hostname       string         `json:"hostname" db:"hostname"`
	IPAddress      string         `json:"ipAddress" db:"ip_address"`
	OSType         string         `json:"osType" db:"os_type"`
	AgentVersion   string         `json:"agentVersion" db:"agent_version"`
	Status         AgentStatus    `json:"status" db:"status"`
	Config         map[string]any `json:"config,omitempty" db:"config"` // JSONB in Postgres
	OrganizationID string         `json:"organizationId,omitempty" db:"organization_id"`
	LastSeen       time.Time      `json:"lastSeen" db:"last_seen"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// AgentFilter narrows ListAgents. Empty fields match everything.
type AgentFilter struct {
	Status         AgentStatus
	OrganizationID string
}

func (f AgentFilter) Match(a *Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
		return false
	}
	return true
}

type MetricType string

const (
	MetricSystem   MetricType = "system"
	MetricSecurity MetricType = "security"
	MetricSoftware MetricType = "software"
	MetricNetwork  MetricType = "network"
	MetricCustom   MetricType = "custom"
)

func (m MetricType) Valid() bool {
	switch m {
	case MetricSystem, MetricSecurity, MetricSoftware, MetricNetwork, MetricCustom:
		return true
	}
	return false
}

// AgentMetric is an append-only time series sample.
type AgentMetric struct {
	ID         string         `json:"id" db:"id"`
	AgentID    string         `json:"agentId" db:"agent_id"`
	MetricType MetricType     `json:"metricType" db:"metric_type"`
	MetricData map[string]any `json:"metricData" db:"metric_data"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
}

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// AgentAlert is created by metric-evaluation rules and only mutated by resolution.
type AgentAlert struct {
	ID         string         `json:"id" db:"id"`
	AgentID    string         `json:"agentId" db:"agent_id"`
	AlertType  string         `json:"alertType" db:"alert_type"`
	Severity   Severity       `json:"severity" db:"severity"`
	Message    string         `json:"message" db:"message"`
	Details    map[string]any `json:"details,omitempty" db:"details"`
	Resolved   bool           `json:"resolved" db:"resolved"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty" db:"resolved_at"`
	CreatedAt  time.Time      `json:"createdAt" db:"created_at"`
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandSent      CommandStatus = "SENT"
	CommandExecuting CommandStatus = "EXECUTING"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
	CommandCancelled CommandStatus = "CANCELLED"
)

// commandTransitions lists the allowed moves. Nothing re-enters PENDING and
// terminal states have no outgoing edges.
var commandTransitions = map[CommandStatus][]CommandStatus{
	CommandPending:   {CommandSent, CommandExecuting, CommandCompleted, CommandFailed, CommandCancelled},
	CommandSent:      {CommandExecuting, CommandCompleted, CommandFailed},
	CommandExecuting: {CommandCompleted, CommandFailed},
}

func (s CommandStatus) Valid() bool {
	switch s {
	case CommandPending, CommandSent, CommandExecuting, CommandCompleted, CommandFailed, CommandCancelled:
		return true
	}
	return false
}

func (s CommandStatus) IsTerminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandCancelled
}

// CanTransition reports whether a command in status s may move to next.
func (s CommandStatus) CanTransition(next CommandStatus) bool {
	for _, allowed := range commandTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AgentCommand is an instruction dispatched to a remote agent.
type AgentCommand struct {
	ID          string         `json:"id" db:"id"`
	AgentID     string         `json:"agentId" db:"agent_id"`
	CommandType string         `json:"commandType" db:"command_type"`
	CommandData map[string]any `json:"commandData,omitempty" db:"command_data"`
	Status      CommandStatus  `json:"status" db:"status"`
	Result      map[string]any `json:"result,omitempty" db:"result"`
	Error       string         `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
	ExecutedAt  *time.Time     `json:"executedAt,omitempty" db:"executed_at"`
	CompletedAt *time.Time     `json:"completedAt,omitempty" db:"completed_at"`
}

// CommandUpdate moves a command along its state machine.
type CommandUpdate struct {
	Status CommandStatus  `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	At     time.Time      `json:"-"`
}

// Apply validates the transition and mutates c in place.
func (c *AgentCommand) Apply(u CommandUpdate) error {
	if !u.Status.Valid() {
		return errs.Validation("status", fmt.Sprintf("unknown command status %q", u.Status))
	}
	if !c.Status.CanTransition(u.Status) {
		return errs.Validation("status", fmt.Sprintf("cannot move command %s from %s to %s", c.ID, c.Status, u.Status))
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	c.Status = u.Status
	if u.Result != nil {
		c.Result = u.Result
	}
	if u.Error != "" {
		c.Error = u.Error
	}

	switch u.Status {
	case CommandExecuting:
		c.ExecutedAt = &at
	case CommandCompleted, CommandFailed:
		if c.ExecutedAt == nil && u.Status == CommandCompleted {
			c.ExecutedAt = &at
		}
		c.CompletedAt = &at
	case CommandCancelled:
		c.CompletedAt = &at
	}
	return nil
}
