package main

import (
	"net/http"
	"testing"

	"github.com/itskum47/neuralhub/control_plane/store"
)

func registerAgent(t *testing.T, h *testHub, id string) {
	t.Helper()
	h.expect(t, "POST", "/agents/register", map[string]any{
		"agentId":  id,
		"hostname": "host-" + id,
		"osType":   "linux",
	}, http.StatusOK, nil)
}

func TestAgentRegisterGetUpdate(t *testing.T) {
	h := newTestHub(t, testConfig())
	registerAgent(t, h, "a1")

	var agent store.Agent
	h.expect(t, "GET", "/agents/a1", nil, http.StatusOK, &agent)
	if agent.Hostname != "host-a1" || agent.Status != store.AgentActive {
		t.Fatalf("unexpected agent %+v", agent)
	}
	h.expect(t, "GET", "/agents/missing", nil, http.StatusNotFound, nil)

	h.expect(t, "PUT", "/agents/a1", map[string]any{
		"status": "MAINTENANCE",
		"config": map[string]any{"interval": 30},
	}, http.StatusOK, &agent)
	if agent.Status != store.AgentMaintenance || agent.Config["interval"] != float64(30) {
		t.Errorf("update not applied: %+v", agent)
	}

	h.expect(t, "PUT", "/agents/a1", map[string]any{"status": "ASLEEP"}, http.StatusBadRequest, nil)
	h.expect(t, "PUT", "/agents/missing", map[string]any{"hostname": "x"}, http.StatusNotFound, nil)
}

func TestListAgentsFilters(t *testing.T) {
	h := newTestHub(t, testConfig())
	registerAgent(t, h, "a1")
	registerAgent(t, h, "a2")
	h.expect(t, "PUT", "/agents/a2", map[string]any{"status": "OFFLINE"}, http.StatusOK, nil)

	var agents []store.Agent
	h.expect(t, "GET", "/agents", nil, http.StatusOK, &agents)
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	h.expect(t, "GET", "/agents?status=OFFLINE", nil, http.StatusOK, &agents)
	if len(agents) != 1 || agents[0].ID != "a2" {
		t.Errorf("expected only a2, got %+v", agents)
	}
	h.expect(t, "GET", "/agents?status=bogus", nil, http.StatusBadRequest, nil)
}

func TestAgentHeartbeat(t *testing.T) {
	h := newTestHub(t, testConfig())
	registerAgent(t, h, "a1")

	h.expect(t, "POST", "/agents/a1/heartbeat", map[string]any{"status": "ERROR"}, http.StatusOK, nil)
	var agent store.Agent
	h.expect(t, "GET", "/agents/a1", nil, http.StatusOK, &agent)
	if agent.Status != store.AgentError {
		t.Errorf("expected reported status ERROR, got %s", agent.Status)
	}
	h.expect(t, "POST", "/agents/ghost/heartbeat", nil, http.StatusNotFound, nil)
}

func TestAgentMetrics(t *testing.T) {
	h := newTestHub(t, testConfig())
	registerAgent(t, h, "a1")

	h.expect(t, "POST", "/agents/a1/metrics", map[string]any{
		"metricType": "system",
		"metricData": map[string]any{"cpu": 10},
		"timestamp":  "2024-01-01T00:00:00Z",
	}, http.StatusCreated, nil)
	var latest store.AgentMetric
	h.expect(t, "POST", "/agents/a1/metrics", map[string]any{
		"metricType": "system",
		"metricData": map[string]any{"cpu": 90},
		"timestamp":  "2024-01-02T00:00:00Z",
	}, http.StatusCreated, &latest)
	if latest.ID == "" || latest.AgentID != "a1" {
		t.Fatalf("expected generated id and agent, got %+v", latest)
	}
	h.expect(t, "POST", "/agents/a1/metrics", map[string]any{"metricType": "network"}, http.StatusCreated, nil)

	h.expect(t, "POST", "/agents/a1/metrics", map[string]any{"metricType": "weather"}, http.StatusBadRequest, nil)
	h.expect(t, "POST", "/agents/ghost/metrics", map[string]any{"metricType": "system"}, http.StatusNotFound, nil)

	var metrics []store.AgentMetric
	h.expect(t, "GET", "/agents/a1/metrics?type=system&limit=1", nil, http.StatusOK, &metrics)
	if len(metrics) != 1 || metrics[0].MetricData["cpu"] != float64(90) {
		t.Errorf("expected newest system sample, got %+v", metrics)
	}
	h.expect(t, "GET", "/agents/a1/metrics", nil, http.StatusOK, &metrics)
	if len(metrics) != 3 {
		t.Errorf("expected 3 samples, got %d", len(metrics))
	}
	h.expect(t, "GET", "/agents/a1/metrics?limit=-1", nil, http.StatusBadRequest, nil)
}

func TestAgentAlerts(t *testing.T) {
	h := newTestHub(t, testConfig())
	registerAgent(t, h, "a1")

	var alert store.AgentAlert
	h.expect(t, "POST", "/agents/a1/alerts", map[string]any{
		"alertType": "cpu",
		"severity":  "WARNING",
		"message":   "cpu above 90%",
	}, http.StatusCreated, &alert)
	if alert.ID == "" || alert.Resolved {
		t.Fatalf("unexpected alert %+v", alert)
	}
	h.expect(t, "POST", "/agents/a1/alerts", map[string]any{"alertType": "cpu", "severity": "LOUD"}, http.StatusBadRequest, nil)

	var open []store.AgentAlert
	h.expect(t, "GET", "/agents/a1/alerts?resolved=false", nil, http.StatusOK, &open)
	if len(open) != 1 {
		t.Fatalf("expected one open alert, got %d", len(open))
	}

	var resolved store.AgentAlert
	h.expect(t, "PUT", "/agents/a1/alerts/"+alert.ID+"/resolve", nil, http.StatusOK, &resolved)
	if !resolved.Resolved || resolved.ResolvedAt == nil {
		t.Errorf("expected resolved alert, got %+v", resolved)
	}
	h.expect(t, "GET", "/agents/a1/alerts?resolved=false", nil, http.StatusOK, &open)
	if len(open) != 0 {
		t.Errorf("expected no open alerts, got %d", len(open))
	}

	registerAgent(t, h, "a2")
	h.expect(t, "PUT", "/agents/a2/alerts/"+alert.ID+"/resolve", nil, http.StatusNotFound, nil)
	h.expect(t, "GET", "/agents/a1/alerts?resolved=maybe", nil, http.StatusBadRequest, nil)
}

func TestOfflineCommandLifecycle(t *testing.T) {
	h := newTestHub(t, testConfig())
	registerAgent(t, h, "a1")

	var cmd store.AgentCommand
	h.expect(t, "POST", "/agents/a1/commands", map[string]any{"commandType": "ping"}, http.StatusCreated, &cmd)
	if cmd.Status != store.CommandPending {
		t.Fatalf("offline agent command should stay PENDING, got %s", cmd.Status)
	}

	var queue []store.AgentCommand
	h.expect(t, "GET", "/agents/a1/commands?status=PENDING", nil, http.StatusOK, &queue)
	if len(queue) != 1 || queue[0].ID != cmd.ID {
		t.Fatalf("expected the command in the pending queue, got %+v", queue)
	}

	// A polling agent may report completion straight from PENDING
	var done store.AgentCommand
	h.expect(t, "PUT", "/agents/a1/commands/"+cmd.ID, map[string]any{
		"status": "COMPLETED",
		"result": map[string]any{"pong": true},
	}, http.StatusOK, &done)
	if done.Status != store.CommandCompleted || done.CompletedAt == nil || done.ExecutedAt == nil {
		t.Errorf("unexpected completed command %+v", done)
	}
	h.expect(t, "PUT", "/agents/a1/commands/"+cmd.ID, map[string]any{"status": "EXECUTING"}, http.StatusBadRequest, nil)

	h.expect(t, "POST", "/agents/a1/commands", map[string]any{"commandType": ""}, http.StatusBadRequest, nil)
	h.expect(t, "POST", "/agents/ghost/commands", map[string]any{"commandType": "ping"}, http.StatusNotFound, nil)
}

func TestCancelCommand(t *testing.T) {
	h := newTestHub(t, testConfig())
	registerAgent(t, h, "a1")
	registerAgent(t, h, "a2")

	var cmd store.AgentCommand
	h.expect(t, "POST", "/agents/a1/commands", map[string]any{"commandType": "echo"}, http.StatusCreated, &cmd)

	h.expect(t, "POST", "/agents/a2/commands/"+cmd.ID+"/cancel", nil, http.StatusNotFound, nil)

	var cancelled store.AgentCommand
	h.expect(t, "POST", "/agents/a1/commands/"+cmd.ID+"/cancel", nil, http.StatusOK, &cancelled)
	if cancelled.Status != store.CommandCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	h.expect(t, "POST", "/agents/a1/commands/"+cmd.ID+"/cancel", nil, http.StatusBadRequest, nil)
	h.expect(t, "POST", "/agents/a1/commands/nope/cancel", nil, http.StatusNotFound, nil)
}
