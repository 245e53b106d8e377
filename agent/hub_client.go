package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

const requestTimeout = 10 * time.Second

// hubClient is the agent's HTTP side of the hub contract. The token is
// sent on every call.
type hubClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newHubClient(cfg *Config) *hubClient {
	return &hubClient{
		baseURL: cfg.HubURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

func (c *hubClient) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *hubClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func agentPath(agentID string, parts ...string) string {
	p := "/agents/" + url.PathEscape(agentID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// register creates or refreshes the agent's record.
func (c *hubClient) register(ctx context.Context, cfg *Config) error {
	return c.do(ctx, http.MethodPost, "/agents/register", registerPayload{
		AgentID:      cfg.AgentID,
		Hostname:     cfg.Hostname,
		OSType:       cfg.OSType,
		AgentVersion: cfg.Version,
	}, nil)
}

func (c *hubClient) heartbeat(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, agentPath(agentID, "heartbeat"), map[string]string{"status": "ACTIVE"}, nil)
}

func (c *hubClient) postMetrics(ctx context.Context, agentID string, data map[string]any) error {
	return c.do(ctx, http.MethodPost, agentPath(agentID, "metrics"), map[string]any{
		"metricType": "system",
		"metricData": data,
	}, nil)
}

// pendingCommands returns the agent's queued commands, oldest first.
func (c *hubClient) pendingCommands(ctx context.Context, agentID string) ([]command, error) {
	var cmds []command
	err := c.do(ctx, http.MethodGet, agentPath(agentID, "commands")+"?status="+statusPending, nil, &cmds)
	return cmds, err
}

func (c *hubClient) reportCommand(ctx context.Context, agentID string, res commandResult) error {
	return c.do(ctx, http.MethodPut, agentPath(agentID, "commands", res.CommandID), map[string]any{
		"status": res.Status,
		"result": res.Result,
		"error":  res.Error,
	}, nil)
}

// startMetricsLoop posts a system sample every interval until ctx ends.
func startMetricsLoop(ctx context.Context, c *hubClient, cfg *Config, collector MetricsCollector) {
	ticker := time.NewTicker(cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := collector.Collect(ctx)
			if err != nil {
				log.Printf("[AGENT] Metrics sample failed: %v", err)
				continue
			}
			if err := c.postMetrics(ctx, cfg.AgentID, data); err != nil {
				log.Printf("[AGENT] Failed to post metrics: %v", err)
			}
		}
	}
}
