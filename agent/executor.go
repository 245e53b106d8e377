package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Command types the agent knows how to run.
const (
	CommandPing           = "ping"
	CommandEcho           = "echo"
	CommandCollectMetrics = "collect_metrics"
	CommandUpdateConfig   = "update_config"
)

// MetricsCollector samples the host.
type MetricsCollector interface {
	Collect(ctx context.Context) (map[string]any, error)
}

// Executor runs hub commands. It never shells out.
type Executor struct {
	cfg       *Config
	collector MetricsCollector

	mu     sync.Mutex
	config map[string]any
}

func NewExecutor(cfg *Config, collector MetricsCollector) *Executor {
	return &Executor{
		cfg:       cfg,
		collector: collector,
		config:    make(map[string]any),
	}
}

// Execute runs cmd and returns the terminal report for it.
func (e *Executor) Execute(ctx context.Context, cmd command) commandResult {
	log.Printf("[EXECUTOR] Running command %s (%s)", cmd.ID, cmd.CommandType)

	result, err := e.run(ctx, cmd)
	if err != nil {
		log.Printf("[EXECUTOR] Command %s failed: %v", cmd.ID, err)
		return commandResult{CommandID: cmd.ID, Status: statusFailed, Error: err.Error()}
	}
	return commandResult{CommandID: cmd.ID, Status: statusCompleted, Result: result}
}

func (e *Executor) run(ctx context.Context, cmd command) (map[string]any, error) {
	switch cmd.CommandType {
	case CommandPing:
		return map[string]any{
			"pong":      true,
			"agentId":   e.cfg.AgentID,
			"timestamp": time.Now().UTC(),
		}, nil

	case CommandEcho:
		out := make(map[string]any, len(cmd.CommandData))
		for k, v := range cmd.CommandData {
			out[k] = v
		}
		return out, nil

	case CommandCollectMetrics:
		if e.collector == nil {
			return nil, fmt.Errorf("metrics collection is not available")
		}
		return e.collector.Collect(ctx)

	case CommandUpdateConfig:
		update := cmd.CommandData
		if nested, ok := cmd.CommandData["config"].(map[string]any); ok {
			update = nested
		}
		n := e.ApplyConfig(update)
		return map[string]any{"applied": n, "config": e.Config()}, nil
	}
	return nil, fmt.Errorf("unsupported command type %q", cmd.CommandType)
}

// ApplyConfig merges update into the running configuration and returns
// how many keys changed.
func (e *Executor) ApplyConfig(update map[string]any) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range update {
		e.config[k] = v
	}
	if len(update) > 0 {
		log.Printf("[EXECUTOR] Applied %d config keys", len(update))
	}
	return len(update)
}

// Config returns a copy of the running configuration.
func (e *Executor) Config() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.config))
	for k, v := range e.config {
		out[k] = v
	}
	return out
}

// systemCollector reads CPU, memory and host facts.
type systemCollector struct {
	started time.Time
}

func (c systemCollector) Collect(ctx context.Context) (map[string]any, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu: %w", err)
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	cpuPercent := 0.0
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	return map[string]any{
		"cpuPercent":        cpuPercent,
		"cpuCount":          runtime.NumCPU(),
		"memoryTotal":       vm.Total,
		"memoryUsedPercent": vm.UsedPercent,
		"hostUptime":        info.Uptime,
		"platform":          info.Platform,
		"kernelVersion":     info.KernelVersion,
		"agentUptime":       time.Since(c.started).Seconds(),
	}, nil
}
