package correlator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/store"
)

// DefaultTimeout is how long a sent command waits for its result.
const DefaultTimeout = 30 * time.Second

// ErrNoSession is returned by a Deliverer when the agent has no live
// connection. The command then stays queued.
var ErrNoSession = errors.New("agent has no live session")

// Deliverer pushes a command to the agent's live session and returns once
// the transport confirms the write.
type Deliverer interface {
	DeliverCommand(ctx context.Context, cmd *store.AgentCommand) error
}

type Config struct {
	Store     store.Store
	Deliverer Deliverer
	Clock     clock.Clock
	Timeout   time.Duration
}

// Correlator issues agent commands and matches command:result replies to
// the callers waiting on them.
type Correlator struct {
	store     store.Store
	deliverer Deliverer
	clock     clock.Clock
	timeout   time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	commandID string
	sentAt    time.Time
	timer     *clock.Timer
	done      chan struct{}
	once      sync.Once
	cmd       *store.AgentCommand
	err       error
}

func (w *waiter) finish(cmd *store.AgentCommand, err error) bool {
	finished := false
	w.once.Do(func() {
		w.cmd, w.err = cmd, err
		close(w.done)
		finished = true
	})
	return finished
}

func New(cfg Config) *Correlator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Correlator{
		store:     cfg.Store,
		deliverer: cfg.Deliverer,
		clock:     cfg.Clock,
		timeout:   cfg.Timeout,
		waiters:   make(map[string]*waiter),
	}
}

// Pending is the handle returned by SendCommand.
type Pending struct {
	Command *store.AgentCommand
	// Queued is set when the agent was offline and the command waits in
	// PENDING for the agent to poll or reconnect.
	Queued bool

	w *waiter
}

// Wait blocks until the command's result arrives or the correlation
// timeout fires. A queued command has nothing to wait for and returns
// immediately with its PENDING record.
func (p *Pending) Wait(ctx context.Context) (*store.AgentCommand, error) {
	if p.w == nil {
		return p.Command, nil
	}
	select {
	case <-p.w.done:
		return p.w.cmd, p.w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendCommand creates the command in PENDING and tries the live session.
// Delivered commands move to SENT; without a session the command stays
// queued. A delivery failure marks the command FAILED and is returned; the
// transport drops a frame whose delivery timed out, so the agent never
// runs a command recorded as FAILED.
func (c *Correlator) SendCommand(ctx context.Context, agentID, commandType string, data map[string]any) (*Pending, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errs.Validation("agentId", "is required")
	}
	if strings.TrimSpace(commandType) == "" {
		return nil, errs.Validation("commandType", "is required")
	}

	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	if agent == nil {
		return nil, errs.NotFound("agent", agentID)
	}

	cmd := &store.AgentCommand{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		CommandType: commandType,
		CommandData: data,
		Status:      store.CommandPending,
		CreatedAt:   c.clock.Now().UTC(),
	}
	if err := c.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to create command: %w", err)
	}

	// Registered before delivery so a fast reply is not missed
	w := c.register(cmd.ID)

	if err := c.deliver(ctx, cmd); err != nil {
		c.unregister(cmd.ID)
		if errors.Is(err, ErrNoSession) {
			observability.CommandsSent.WithLabelValues("queued").Inc()
			log.Printf("[CORRELATOR] Agent %s offline, command %s (%s) queued", agentID, cmd.ID, commandType)
			return &Pending{Command: cmd, Queued: true}, nil
		}
		return nil, c.failDelivery(ctx, cmd, err)
	}

	sent := c.markSent(ctx, cmd)
	c.arm(w)
	observability.CommandsSent.WithLabelValues("sent").Inc()
	log.Printf("[CORRELATOR] Command %s (%s) sent to agent %s", cmd.ID, commandType, agentID)
	return &Pending{Command: sent, w: w}, nil
}

func (c *Correlator) deliver(ctx context.Context, cmd *store.AgentCommand) error {
	if c.deliverer == nil {
		return ErrNoSession
	}
	return c.deliverer.DeliverCommand(ctx, cmd)
}

func (c *Correlator) failDelivery(ctx context.Context, cmd *store.AgentCommand, err error) error {
	observability.CommandsSent.WithLabelValues("failed").Inc()
	log.Printf("[CORRELATOR] Delivery of command %s to agent %s failed: %v", cmd.ID, cmd.AgentID, err)
	if _, terr := c.store.TransitionCommand(ctx, cmd.ID, store.CommandUpdate{
		Status: store.CommandFailed,
		Error:  err.Error(),
		At:     c.clock.Now().UTC(),
	}); terr != nil {
		log.Printf("[CORRELATOR] Failed to mark command %s FAILED: %v", cmd.ID, terr)
	}
	if errs.IsTimeout(err) || errs.IsDelivery(err) {
		return err
	}
	return &errs.DeliveryError{Target: "agent " + cmd.AgentID, Err: err}
}

// markSent moves cmd to SENT. If the agent already reported a later state
// the stored record is returned as is.
func (c *Correlator) markSent(ctx context.Context, cmd *store.AgentCommand) *store.AgentCommand {
	sent, err := c.store.TransitionCommand(ctx, cmd.ID, store.CommandUpdate{
		Status: store.CommandSent,
		At:     c.clock.Now().UTC(),
	})
	if err == nil {
		return sent
	}
	log.Printf("[CORRELATOR] Command %s not moved to SENT: %v", cmd.ID, err)
	if current, gerr := c.store.GetCommand(ctx, cmd.ID); gerr == nil && current != nil {
		return current
	}
	return cmd
}

func (c *Correlator) register(commandID string) *waiter {
	w := &waiter{commandID: commandID, sentAt: c.clock.Now(), done: make(chan struct{})}
	c.mu.Lock()
	c.waiters[commandID] = w
	c.mu.Unlock()
	return w
}

func (c *Correlator) unregister(commandID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waiters[commandID]; ok && w.timer != nil {
		w.timer.Stop()
	}
	delete(c.waiters, commandID)
}

// arm starts the timeout unless the result already arrived.
func (c *Correlator) arm(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters[w.commandID] != w {
		return
	}
	w.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(w) })
}

// expire fires once per waiter. The stored command is left untouched; a
// late result can still complete it.
func (c *Correlator) expire(w *waiter) {
	c.mu.Lock()
	if c.waiters[w.commandID] == w {
		delete(c.waiters, w.commandID)
	}
	c.mu.Unlock()

	if w.finish(nil, &errs.TimeoutError{Op: "command", ID: w.commandID, Timeout: c.timeout}) {
		observability.CommandTimeouts.Inc()
		log.Printf("[CORRELATOR] Command %s timed out after %v", w.commandID, c.timeout)
	}
}

// Resolve records an agent's report for commandID. Terminal reports
// complete the waiting caller, if any.
func (c *Correlator) Resolve(ctx context.Context, commandID string, u store.CommandUpdate) (*store.AgentCommand, error) {
	if u.At.IsZero() {
		u.At = c.clock.Now().UTC()
	}
	cmd, err := c.store.TransitionCommand(ctx, commandID, u)
	if err != nil {
		return nil, err
	}
	if cmd.Status.IsTerminal() {
		log.Printf("[CORRELATOR] Command %s resolved as %s", commandID, cmd.Status)
	}
	c.Notify(cmd)
	return cmd, nil
}

// Notify completes a local waiter for cmd without touching the store. It
// is used when another hub instance recorded the result. It reports
// whether a waiter was completed.
func (c *Correlator) Notify(cmd *store.AgentCommand) bool {
	if cmd == nil || !cmd.Status.IsTerminal() {
		return false
	}

	c.mu.Lock()
	w, ok := c.waiters[cmd.ID]
	if ok && w.timer != nil {
		w.timer.Stop()
	}
	delete(c.waiters, cmd.ID)
	c.mu.Unlock()

	if !ok || !w.finish(cmd, nil) {
		return false
	}
	observability.CommandLatency.Observe(c.clock.Since(w.sentAt).Seconds())
	return true
}

// Cancel cancels a command still waiting in PENDING.
func (c *Correlator) Cancel(ctx context.Context, commandID string) (*store.AgentCommand, error) {
	cmd, err := c.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, errs.NotFound("command", commandID)
	}
	if cmd.Status != store.CommandPending {
		return nil, errs.Validation("status", fmt.Sprintf("command %s is %s, only PENDING commands can be cancelled", commandID, cmd.Status))
	}
	cancelled, err := c.store.TransitionCommand(ctx, commandID, store.CommandUpdate{
		Status: store.CommandCancelled,
		At:     c.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[CORRELATOR] Command %s cancelled", commandID)
	return cancelled, nil
}

// DrainQueue delivers the agent's PENDING commands in creation order over
// its new session. It stops at the first failure and returns how many
// were sent.
func (c *Correlator) DrainQueue(ctx context.Context, agentID string) (int, error) {
	queued, err := c.store.ListCommands(ctx, agentID, store.CommandPending)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, cmd := range queued {
		if err := c.deliver(ctx, cmd); err != nil {
			if errors.Is(err, ErrNoSession) {
				return sent, nil
			}
			log.Printf("[CORRELATOR] Draining queue of agent %s stopped at command %s: %v", agentID, cmd.ID, err)
			return sent, err
		}
		c.markSent(ctx, cmd)
		observability.CommandsSent.WithLabelValues("drained").Inc()
		sent++
	}
	if sent > 0 {
		log.Printf("[CORRELATOR] Delivered %d queued commands to agent %s", sent, agentID)
	}
	return sent, nil
}

// Outstanding returns the number of commands awaiting a result.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
