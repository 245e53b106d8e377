package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const agentVersion = "0.1.0"

// Config holds the agent identity and how to reach the hub.
type Config struct {
	AgentID  string
	Hostname string
	OSType   string
	Version  string

	HubURL string
	Token  string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MetricsInterval   time.Duration
}

// LoadConfig reads the environment. AGENT_ID wins over the persisted id;
// without either a new id is generated and saved.
func LoadConfig() (*Config, error) {
	agentID := strings.TrimSpace(os.Getenv("AGENT_ID"))
	if agentID == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		agentID, err = getOrCreateAgentID(dir)
		if err != nil {
			return nil, err
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("[AGENT] Could not get hostname: %v", err)
		hostname = "unknown"
	}

	return &Config{
		AgentID:  agentID,
		Hostname: hostname,
		OSType:   runtime.GOOS + "/" + runtime.GOARCH,
		Version:  agentVersion,

		HubURL: strings.TrimRight(getEnv("HUB_URL", "http://localhost:8080"), "/"),
		Token:  os.Getenv("AGENT_TOKEN"),

		PollInterval:      getEnvDuration("POLL_INTERVAL", 10*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		MetricsInterval:   getEnvDuration("METRICS_INTERVAL", time.Minute),
	}, nil
}

// WebsocketURL maps the hub's HTTP base onto its /ws endpoint.
func (c *Config) WebsocketURL() (string, error) {
	u, err := url.Parse(c.HubURL)
	if err != nil {
		return "", fmt.Errorf("invalid HUB_URL %q: %w", c.HubURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported HUB_URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".neuralhub"), nil
}

// getOrCreateAgentID reads dir/agent_id, creating it on first run.
func getOrCreateAgentID(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "agent_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to save agent id to %s: %w", path, err)
	}
	return id, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[CONFIG] Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
