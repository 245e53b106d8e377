package main

import (
	"context"
	"log"
)

// Poller drains the agent's command queue over HTTP while no websocket
// session is up.
type Poller struct {
	client  *hubClient
	exec    *Executor
	agentID string
}

func NewPoller(client *hubClient, exec *Executor, agentID string) *Poller {
	return &Poller{client: client, exec: exec, agentID: agentID}
}

// PollOnce runs every queued command in order and reports each result.
// It returns how many commands were run.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	cmds, err := p.client.pendingCommands(ctx, p.agentID)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, cmd := range cmds {
		if err := p.client.reportCommand(ctx, p.agentID, commandResult{CommandID: cmd.ID, Status: statusExecuting}); err != nil {
			// Cancelled or claimed since the listing
			log.Printf("[POLLER] Skipping command %s: %v", cmd.ID, err)
			continue
		}
		res := p.exec.Execute(ctx, cmd)
		if err := p.client.reportCommand(ctx, p.agentID, res); err != nil {
			log.Printf("[POLLER] Failed to report command %s: %v", cmd.ID, err)
		}
		ran++
	}
	return ran, nil
}
