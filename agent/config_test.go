package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/ws",
		"https://hub.example.com/":   "wss://hub.example.com/ws",
		"https://hub.example.com/v1": "wss://hub.example.com/v1/ws",
	}
	for in, want := range cases {
		cfg := &Config{HubURL: in}
		got, err := cfg.WebsocketURL()
		if err != nil {
			t.Errorf("%s: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", in, want, got)
		}
	}

	if _, err := (&Config{HubURL: "ftp://hub"}).WebsocketURL(); err == nil {
		t.Error("expected unsupported scheme to fail")
	}
}

func TestAgentIDPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "neuralhub")

	first, err := getOrCreateAgentID(dir)
	if err != nil {
		t.Fatalf("getOrCreateAgentID failed: %v", err)
	}
	if first == "" {
		t.Fatal("expected a generated id")
	}
	second, err := getOrCreateAgentID(dir)
	if err != nil {
		t.Fatalf("getOrCreateAgentID failed: %v", err)
	}
	if first != second {
		t.Errorf("expected stable id, got %s then %s", first, second)
	}

	data, err := os.ReadFile(filepath.Join(dir, "agent_id"))
	if err != nil || strings.TrimSpace(string(data)) != first {
		t.Errorf("expected id on disk, got %q (%v)", data, err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AGENT_ID", "agent-env")
	t.Setenv("HUB_URL", "http://hub:9000/")
	t.Setenv("AGENT_TOKEN", "secret")
	t.Setenv("POLL_INTERVAL", "3s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.AgentID != "agent-env" || cfg.HubURL != "http://hub:9000" || cfg.Token != "secret" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.PollInterval.String() != "3s" {
		t.Errorf("expected 3s poll interval, got %s", cfg.PollInterval)
	}
}
