package main

import (
	"context"
	"net/http"

	"github.com/itskum47/neuralhub/control_plane/middleware"
	"github.com/itskum47/neuralhub/control_plane/store"
)

// DashboardSummary is a point-in-time view of the hub for operators.
type DashboardSummary struct {
	// Products
	ActiveProducts   int `json:"activeProducts"`
	InactiveProducts int `json:"inactiveProducts"`

	// Agents (organization scoped when the caller names one)
	Agents         int    `json:"agents"`
	ActiveAgents   int    `json:"activeAgents"`
	OrganizationID string `json:"organizationId,omitempty"`

	// Runtime
	Connections         int    `json:"connections"`
	Workflows           int    `json:"workflows"`
	TrackedRuns         int    `json:"trackedRuns"`
	OutstandingCommands int    `json:"outstandingCommands"`
	PublishCircuit      string `json:"publishCircuit"`

	Timestamp int64 `json:"timestamp"`
}

// Summary aggregates registry, transport and engine state.
func (s *Server) Summary(ctx context.Context, orgID string) (DashboardSummary, error) {
	sum := DashboardSummary{
		OrganizationID:      orgID,
		Connections:         s.transport.ConnCount(),
		Workflows:           s.workflows.Count(),
		TrackedRuns:         s.timeline.RunCount(),
		OutstandingCommands: s.commands.Outstanding(),
		PublishCircuit:      s.breaker.State().String(),
		Timestamp:           s.clock.Now().Unix(),
	}

	for _, p := range s.products.List() {
		if p.Status == store.ProductActive {
			sum.ActiveProducts++
		} else {
			sum.InactiveProducts++
		}
	}

	agents, err := s.agents.List(ctx, store.AgentFilter{OrganizationID: orgID})
	if err != nil {
		return DashboardSummary{}, err
	}
	sum.Agents = len(agents)
	for _, a := range agents {
		if a.Status == store.AgentActive {
			sum.ActiveAgents++
		}
	}
	return sum, nil
}

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	orgID, _ := middleware.GetOrganizationFromContext(r.Context())
	sum, err := s.Summary(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
