package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

// maxMetricsPerAgent caps the in-memory series so a chatty agent cannot grow it unbounded.
const maxMetricsPerAgent = 5000

// MemoryStore holds the in-memory state of products, agents and their
// commands. It implements both Store and KV.
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[string]*Product
	productOrder []string
	agents       map[string]*Agent
	metrics      map[string][]*AgentMetric // agentID -> samples, oldest first
	alerts       map[string]*AgentAlert
	alertOrder   []string
	commands     map[string]*AgentCommand
	commandOrder []string

	kv  map[string]kvEntry
	now func() time.Time
}

type kvEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*Product),
		agents:   make(map[string]*Agent),
		metrics:  make(map[string][]*AgentMetric),
		alerts:   make(map[string]*AgentAlert),
		commands: make(map[string]*AgentCommand),
		kv:       make(map[string]kvEntry),
		now:      time.Now,
	}
}

// --- Product Operations ---

func (s *MemoryStore) UpsertProduct(ctx context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[p.ID]; !exists {
		s.productOrder = append(s.productOrder, p.ID)
	}
	s.products[p.ID] = cloneProduct(p)
	return nil
}

func (s *MemoryStore) ListProducts(ctx context.Context) ([]*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		result = append(result, cloneProduct(s.products[id]))
	}
	return result, nil
}

// --- Agent Operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	return cloneAgent(a), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if filter.Match(a) {
			result = append(result, cloneAgent(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) TouchAgent(ctx context.Context, agentID string, t time.Time, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return errs.NotFound("agent", agentID)
	}
	agent.LastSeen = t
	agent.UpdatedAt = t
	if status != "" {
		agent.Status = status
	}
	return nil
}

// --- Metric Operations ---

func (s *MemoryStore) AppendMetric(ctx context.Context, m *AgentMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := append(s.metrics[m.AgentID], cloneMetric(m))
	if len(series) > maxMetricsPerAgent {
		series = series[len(series)-maxMetricsPerAgent:]
	}
	s.metrics[m.AgentID] = series
	return nil
}

func (s *MemoryStore) ListMetrics(ctx context.Context, agentID string, metricType MetricType, limit int) ([]*AgentMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.metrics[agentID]
	result := make([]*AgentMetric, 0)
	// Walk backwards so the newest sample comes first
	for i := len(series) - 1; i >= 0; i-- {
		if metricType != "" && series[i].MetricType != metricType {
			continue
		}
		result = append(result, cloneMetric(series[i]))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- Alert Operations ---

func (s *MemoryStore) CreateAlert(ctx context.Context, alert *AgentAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[alert.ID]; !exists {
		s.alertOrder = append(s.alertOrder, alert.ID)
	}
	c := *alert
	s.alerts[alert.ID] = &c
	return nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, agentID string, resolved *bool) ([]*AgentAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AgentAlert, 0)
	for _, id := range s.alertOrder {
		a := s.alerts[id]
		if a.AgentID != agentID {
			continue
		}
		if resolved != nil && a.Resolved != *resolved {
			continue
		}
		c := *a
		result = append(result, &c)
	}
	return result, nil
}

func (s *MemoryStore) ResolveAlert(ctx context.Context, agentID string, alertID string, at time.Time) (*AgentAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok || a.AgentID != agentID {
		return nil, errs.NotFound("alert", alertID)
	}
	if !a.Resolved {
		a.Resolved = true
		a.ResolvedAt = &at
	}
	c := *a
	return &c, nil
}

// --- Command Operations ---

func (s *MemoryStore) CreateCommand(ctx context.Context, cmd *AgentCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commands[cmd.ID]; !exists {
		s.commandOrder = append(s.commandOrder, cmd.ID)
	}
	s.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, commandID string) (*AgentCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commands[commandID]
	if !ok {
		return nil, nil
	}
	return cloneCommand(c), nil
}

func (s *MemoryStore) ListCommands(ctx context.Context, agentID string, status CommandStatus) ([]*AgentCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AgentCommand, 0)
	for _, id := range s.commandOrder {
		c := s.commands[id]
		if c.AgentID != agentID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		result = append(result, cloneCommand(c))
	}
	return result, nil
}

func (s *MemoryStore) TransitionCommand(ctx context.Context, commandID string, u CommandUpdate) (*AgentCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok {
		return nil, errs.NotFound("command", commandID)
	}

	// Apply on a copy so a rejected transition leaves the record untouched
	next := cloneCommand(c)
	if err := next.Apply(u); err != nil {
		return nil, err
	}
	s.commands[commandID] = next
	return cloneCommand(next), nil
}

// --- KV Operations ---

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveEntry(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = s.newEntry(value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveEntry(key); ok {
		return false, nil
	}
	s.kv[key] = s.newEntry(value, ttl)
	return true, nil
}

// SweepExpired drops expired KV entries and returns how many were removed.
func (s *MemoryStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.kv {
		if _, ok := s.liveEntry(key); !ok {
			removed++
		}
	}
	return removed
}

// liveEntry returns the entry for key, deleting it if expired. Caller holds s.mu.
func (s *MemoryStore) liveEntry(key string) (kvEntry, bool) {
	e, ok := s.kv[key]
	if !ok {
		return kvEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.kv, key)
		return kvEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) newEntry(value string, ttl time.Duration) kvEntry {
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}

// --- copies ---

func cloneProduct(p *Product) *Product {
	c := *p
	c.Capabilities = append([]string(nil), p.Capabilities...)
	return &c
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Config = copyMap(a.Config)
	return &c
}

func cloneMetric(m *AgentMetric) *AgentMetric {
	c := *m
	c.MetricData = copyMap(m.MetricData)
	return &c
}

func cloneCommand(cmd *AgentCommand) *AgentCommand {
	c := *cmd
	c.CommandData = copyMap(cmd.CommandData)
	c.Result = copyMap(cmd.Result)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

