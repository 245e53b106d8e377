package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const maxBackoff = 30 * time.Second

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("[AGENT] Failed to load config: %v", err)
	}
	log.Printf("[AGENT] Starting agent %s (%s) against %s", cfg.AgentID, cfg.Hostname, cfg.HubURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newHubClient(cfg)
	collector := systemCollector{started: time.Now()}
	exec := NewExecutor(cfg, collector)

	if !registerWithBackoff(ctx, client, cfg) {
		return
	}

	go startMetricsLoop(ctx, client, cfg, collector)
	runSessions(ctx, cfg, client, exec)
	log.Println("[AGENT] Shutting down")
}

// registerWithBackoff retries until the hub accepts the agent or ctx ends.
func registerWithBackoff(ctx context.Context, client *hubClient, cfg *Config) bool {
	backoff := time.Second
	for {
		err := client.register(ctx, cfg)
		if err == nil {
			log.Printf("[AGENT] Registered agent %s", cfg.AgentID)
			return true
		}
		log.Printf("[AGENT] Registration failed: %v. Retrying in %s", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff = nextBackoff(backoff)
	}
}

// runSessions keeps a websocket session up. Between attempts the agent
// heartbeats and polls its queue over HTTP.
func runSessions(ctx context.Context, cfg *Config, client *hubClient, exec *Executor) {
	poller := NewPoller(client, exec, cfg.AgentID)
	backoff := time.Second

	for ctx.Err() == nil {
		sess, err := Dial(ctx, cfg, exec, client)
		if err != nil {
			log.Printf("[AGENT] Websocket unavailable (%v), polling for %s", err, backoff)
			pollUntilRetry(ctx, cfg, client, poller, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = time.Second
		log.Printf("[AGENT] Session established")
		if err := sess.Run(ctx); err != nil {
			log.Printf("[AGENT] %v", err)
		}
	}
}

func pollUntilRetry(ctx context.Context, cfg *Config, client *hubClient, poller *Poller, retryIn time.Duration) {
	retry := time.NewTimer(retryIn)
	defer retry.Stop()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	poll := func() {
		if err := client.heartbeat(ctx, cfg.AgentID); err != nil {
			log.Printf("[AGENT] Heartbeat failed: %v", err)
		}
		if n, err := poller.PollOnce(ctx); err != nil {
			log.Printf("[AGENT] Poll failed: %v", err)
		} else if n > 0 {
			log.Printf("[AGENT] Ran %d queued commands", n)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
			return
		case <-ticker.C:
			poll()
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
