package main

import (
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/middleware"
	"github.com/itskum47/neuralhub/control_plane/registry"
	"github.com/itskum47/neuralhub/control_plane/store"
	"github.com/itskum47/neuralhub/control_plane/transport"
)

const defaultMetricsLimit = 100

func (s *Server) agentRoutes(mux *http.ServeMux) {
	s.handle(mux, "POST /agents/register", s.handleRegisterAgent)
	s.handle(mux, "GET /agents", s.handleListAgents)
	s.handle(mux, "GET /agents/{id}", s.handleGetAgent)
	s.handle(mux, "PUT /agents/{id}", s.handleUpdateAgent)
	s.handle(mux, "POST /agents/{id}/heartbeat",
		middleware.RateLimit(s.heartbeats, "agent_heartbeat", func(r *http.Request) string {
			return "agent:" + r.PathValue("id")
		})(s.handleAgentHeartbeat))

	s.handle(mux, "GET /agents/{id}/metrics", s.handleListMetrics)
	s.handle(mux, "POST /agents/{id}/metrics", s.handleAppendMetric)

	s.handle(mux, "GET /agents/{id}/alerts", s.handleListAlerts)
	s.handle(mux, "POST /agents/{id}/alerts", s.handleCreateAlert)
	s.handle(mux, "PUT /agents/{id}/alerts/{alertId}/resolve", s.handleResolveAlert)

	s.handle(mux, "GET /agents/{id}/commands", s.handleListCommands)
	s.handle(mux, "POST /agents/{id}/commands", s.handleIssueCommand)
	s.handle(mux, "PUT /agents/{id}/commands/{commandId}", s.handleReportCommand)
	s.handle(mux, "POST /agents/{id}/commands/{commandId}/cancel", s.handleCancelCommand)
}

type registerAgentRequest struct {
	AgentID string `json:"agentId"`
	registry.AgentMetadata
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OrganizationID == "" {
		req.OrganizationID, _ = middleware.GetOrganizationFromContext(r.Context())
	}
	agent, err := s.agents.Register(r.Context(), req.AgentID, req.AgentMetadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AgentFilter{
		Status:         store.AgentStatus(q.Get("status")),
		OrganizationID: q.Get("organizationId"),
	}
	if org, ok := middleware.GetOrganizationFromContext(r.Context()); ok {
		filter.OrganizationID = org
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, errs.Validation("status", "unknown agent status"))
		return
	}
	agents, err := s.agents.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// loadAgent writes a 404 and returns nil when the agent is unknown.
func (s *Server) loadAgent(w http.ResponseWriter, r *http.Request) *store.Agent {
	agent, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	return agent
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if agent := s.loadAgent(w, r); agent != nil {
		writeJSON(w, http.StatusOK, agent)
	}
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var u registry.AgentUpdate
	if err := decodeBody(r, &u); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.agents.Update(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeError(w, err)
		return
	}

	if u.Config != nil {
		msg, err := transport.NewMessage(transport.MsgConfigUpdate, transport.ConfigUpdatePayload{Config: agent.Config})
		if err == nil && s.transport.SendToRoom(agent.ID, msg) > 0 {
			log.Printf("[API] Pushed config update to agent %s", agent.ID)
		}
	}
	writeJSON(w, http.StatusOK, agent)
}

type agentHeartbeatRequest struct {
	Status store.AgentStatus `json:"status"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req agentHeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.agents.Heartbeat(r.Context(), r.PathValue("id"), req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	agent := s.loadAgent(w, r)
	if agent == nil {
		return
	}
	metricType := store.MetricType(r.URL.Query().Get("type"))
	if metricType != "" && !metricType.Valid() {
		writeError(w, errs.Validation("type", "unknown metric type"))
		return
	}
	limit, err := parseLimit(r, defaultMetricsLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics, err := s.store.ListMetrics(r.Context(), agent.ID, metricType, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleAppendMetric(w http.ResponseWriter, r *http.Request) {
	agent := s.loadAgent(w, r)
	if agent == nil {
		return
	}
	var m store.AgentMetric
	if err := decodeBody(r, &m); err != nil {
		writeError(w, err)
		return
	}
	if !m.MetricType.Valid() {
		writeError(w, errs.Validation("metricType", "must be one of system, security, software, network, custom"))
		return
	}
	now := s.clock.Now().UTC()
	m.ID = uuid.NewString()
	m.AgentID = agent.ID
	if m.Timestamp.IsZero() || m.Timestamp.After(now) {
		m.Timestamp = now
	}
	if err := s.store.AppendMetric(r.Context(), &m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	agent := s.loadAgent(w, r)
	if agent == nil {
		return
	}
	var resolved *bool
	if v := r.URL.Query().Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, errs.Validation("resolved", "must be true or false"))
			return
		}
		resolved = &b
	}
	alerts, err := s.store.ListAlerts(r.Context(), agent.ID, resolved)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	agent := s.loadAgent(w, r)
	if agent == nil {
		return
	}
	var a store.AgentAlert
	if err := decodeBody(r, &a); err != nil {
		writeError(w, err)
		return
	}
	if a.AlertType == "" {
		writeError(w, errs.Validation("alertType", "is required"))
		return
	}
	if !a.Severity.Valid() {
		writeError(w, errs.Validation("severity", "must be one of INFO, WARNING, ERROR, CRITICAL"))
		return
	}
	a.ID = uuid.NewString()
	a.AgentID = agent.ID
	a.Resolved = false
	a.ResolvedAt = nil
	a.CreatedAt = s.clock.Now().UTC()
	if err := s.store.CreateAlert(r.Context(), &a); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Emit(r.Context(), events.Partial{Type: events.TypeAgentAlert, Payload: a}); err != nil {
		log.Printf("[API] Failed to publish alert %s: %v", a.ID, err)
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.store.ResolveAlert(r.Context(), r.PathValue("id"), r.PathValue("alertId"), s.clock.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	status := store.CommandStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, errs.Validation("status", "unknown command status"))
		return
	}
	cmds, err := s.store.ListCommands(r.Context(), r.PathValue("id"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

type issueCommandRequest struct {
	CommandType string         `json:"commandType"`
	CommandData map[string]any `json:"commandData"`
}

func (s *Server) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	var req issueCommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.commands.SendCommand(r.Context(), r.PathValue("id"), req.CommandType, req.CommandData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pending.Command)
}

// loadCommand writes a 404 unless the command exists and belongs to the
// agent in the path.
func (s *Server) loadCommand(w http.ResponseWriter, r *http.Request) *store.AgentCommand {
	id := r.PathValue("commandId")
	cmd, err := s.store.GetCommand(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil
	}
	if cmd == nil || cmd.AgentID != r.PathValue("id") {
		writeError(w, errs.NotFound("command", id))
		return nil
	}
	return cmd
}

func (s *Server) handleReportCommand(w http.ResponseWriter, r *http.Request) {
	cmd := s.loadCommand(w, r)
	if cmd == nil {
		return
	}
	var u store.CommandUpdate
	if err := decodeBody(r, &u); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.recordCommandResult(r.Context(), cmd.ID, u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd := s.loadCommand(w, r)
	if cmd == nil {
		return
	}
	cancelled, err := s.commands.Cancel(r.Context(), cmd.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}
