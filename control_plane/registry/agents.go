package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/store"
)

// AgentMetadata is what an agent reports about itself when it connects or
// registers. Empty fields leave the stored value unchanged.
type AgentMetadata struct {
	Hostname       string `json:"hostname,omitempty"`
	IPAddress      string `json:"ipAddress,omitempty"`
	OSType         string `json:"osType,omitempty"`
	AgentVersion   string `json:"agentVersion,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// AgentUpdate is a partial update from an operator. Nil fields are untouched.
type AgentUpdate struct {
	Hostname     *string            `json:"hostname,omitempty"`
	IPAddress    *string            `json:"ipAddress,omitempty"`
	OSType       *string            `json:"osType,omitempty"`
	AgentVersion *string            `json:"agentVersion,omitempty"`
	Status       *store.AgentStatus `json:"status,omitempty"`
	Config       map[string]any     `json:"config,omitempty"`
}

// Session binds a logical agent to its current transport connection.
type Session struct {
	AgentID     string    `json:"agentId"`
	SessionRef  string    `json:"transportSessionId"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// AgentRegistry owns durable agent records and their live sessions.
// Mutations of one agent are serialized by a per-agent lock.
type AgentRegistry struct {
	store   store.Store
	emitter Emitter
	clock   clock.Clock

	locks sync.Map // agentID -> *sync.Mutex

	mu        sync.RWMutex
	sessions  map[string]*Session // agentID -> session
	bySession map[string]string   // sessionRef -> agentID
}

func NewAgentRegistry(s store.Store, emitter Emitter, clk clock.Clock) *AgentRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &AgentRegistry{
		store:     s,
		emitter:   emitter,
		clock:     clk,
		sessions:  make(map[string]*Session),
		bySession: make(map[string]string),
	}
}

func (r *AgentRegistry) lock(agentID string) func() {
	m, _ := r.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Register creates or refreshes the durable record without binding a
// session. A blank id gets a generated one.
func (r *AgentRegistry) Register(ctx context.Context, agentID string, meta AgentMetadata) (*store.Agent, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = uuid.NewString()
	}
	unlock := r.lock(agentID)
	defer unlock()
	return r.upsert(ctx, agentID, meta)
}

// upsert must be called with the agent lock held.
func (r *AgentRegistry) upsert(ctx context.Context, agentID string, meta AgentMetadata) (*store.Agent, error) {
	now := r.clock.Now().UTC()

	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	if agent == nil {
		agent = &store.Agent{
			ID:        agentID,
			Status:    store.AgentActive,
			CreatedAt: now,
		}
		log.Printf("[REGISTRY] New agent %s (%s)", agentID, meta.Hostname)
	}
	applyMetadata(agent, meta)
	agent.LastSeen = now
	agent.UpdatedAt = now

	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to save agent %s: %w", agentID, err)
	}
	return agent, nil
}

// Connect upserts the agent and binds sessionRef to it. A previous session
// of the same agent is replaced.
func (r *AgentRegistry) Connect(ctx context.Context, agentID string, sessionRef string, meta AgentMetadata) (*store.Agent, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errs.Validation("agentId", "is required")
	}
	if sessionRef == "" {
		return nil, errs.Validation("sessionRef", "is required")
	}

	unlock := r.lock(agentID)
	agent, err := r.upsert(ctx, agentID, meta)
	if err != nil {
		unlock()
		return nil, err
	}

	now := r.clock.Now().UTC()
	r.mu.Lock()
	if old, ok := r.sessions[agentID]; ok && old.SessionRef != sessionRef {
		delete(r.bySession, old.SessionRef)
	}
	// A connection that previously spoke for another agent no longer does
	if prev, ok := r.bySession[sessionRef]; ok && prev != agentID {
		delete(r.sessions, prev)
	}
	r.sessions[agentID] = &Session{AgentID: agentID, SessionRef: sessionRef, ConnectedAt: now, LastSeen: now}
	r.bySession[sessionRef] = agentID
	observability.AgentSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	unlock()

	log.Printf("[REGISTRY] Agent %s connected on session %s", agentID, sessionRef)
	r.emit(ctx, events.TypeAgentConnected, map[string]any{
		"agentId":            agentID,
		"transportSessionId": sessionRef,
		"hostname":           agent.Hostname,
	})
	return agent, nil
}

// Disconnect clears the binding held by sessionRef. The durable status is
// left alone. It reports the agent that was bound, if any.
func (r *AgentRegistry) Disconnect(ctx context.Context, sessionRef string) (string, bool) {
	r.mu.Lock()
	agentID, ok := r.bySession[sessionRef]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.bySession, sessionRef)
	if s, bound := r.sessions[agentID]; bound && s.SessionRef == sessionRef {
		delete(r.sessions, agentID)
	}
	observability.AgentSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	log.Printf("[REGISTRY] Agent %s disconnected from session %s", agentID, sessionRef)
	r.emit(ctx, events.TypeAgentDisconnected, map[string]any{
		"agentId":            agentID,
		"transportSessionId": sessionRef,
	})
	return agentID, true
}

// Session returns the live session of agentID.
func (r *AgentRegistry) Session(agentID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// AgentForSession returns the agent bound to sessionRef.
func (r *AgentRegistry) AgentForSession(sessionRef string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionRef]
	return id, ok
}

// Heartbeat refreshes lastSeen on the record and the live session. A
// non-empty status is stored as reported.
func (r *AgentRegistry) Heartbeat(ctx context.Context, agentID string, status store.AgentStatus) error {
	if status != "" && !status.Valid() {
		return errs.Validation("status", fmt.Sprintf("unknown agent status %q", status))
	}
	now := r.clock.Now().UTC()

	unlock := r.lock(agentID)
	err := r.store.TouchAgent(ctx, agentID, now, status)
	unlock()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if s, ok := r.sessions[agentID]; ok {
		s.LastSeen = now
	}
	r.mu.Unlock()
	return nil
}

func (r *AgentRegistry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errs.NotFound("agent", agentID)
	}
	return agent, nil
}

func (r *AgentRegistry) List(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	return r.store.ListAgents(ctx, filter)
}

// Update applies an operator change and emits agent:updated.
func (r *AgentRegistry) Update(ctx context.Context, agentID string, u AgentUpdate) (*store.Agent, error) {
	if u.Status != nil && !u.Status.Valid() {
		return nil, errs.Validation("status", fmt.Sprintf("unknown agent status %q", *u.Status))
	}

	unlock := r.lock(agentID)
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		unlock()
		return nil, err
	}
	if agent == nil {
		unlock()
		return nil, errs.NotFound("agent", agentID)
	}

	if u.Hostname != nil {
		agent.Hostname = *u.Hostname
	}
	if u.IPAddress != nil {
		agent.IPAddress = *u.IPAddress
	}
	if u.OSType != nil {
		agent.OSType = *u.OSType
	}
	if u.AgentVersion != nil {
		agent.AgentVersion = *u.AgentVersion
	}
	if u.Status != nil {
		agent.Status = *u.Status
	}
	if u.Config != nil {
		agent.Config = u.Config
	}
	agent.UpdatedAt = r.clock.Now().UTC()

	err = r.store.UpsertAgent(ctx, agent)
	unlock()
	if err != nil {
		return nil, err
	}

	r.emit(ctx, events.TypeAgentUpdated, agent)
	return agent, nil
}

func (r *AgentRegistry) emit(ctx context.Context, eventType string, payload any) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, events.Partial{Type: eventType, Payload: payload}); err != nil {
		log.Printf("[REGISTRY] Failed to emit %s: %v", eventType, err)
	}
}

func applyMetadata(a *store.Agent, meta AgentMetadata) {
	if meta.Hostname != "" {
		a.Hostname = meta.Hostname
	}
	if meta.IPAddress != "" {
		a.IPAddress = meta.IPAddress
	}
	if meta.OSType != "" {
		a.OSType = meta.OSType
	}
	if meta.AgentVersion != "" {
		a.AgentVersion = meta.AgentVersion
	}
	if meta.OrganizationID != "" {
		a.OrganizationID = meta.OrganizationID
	}
}
