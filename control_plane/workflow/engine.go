package workflow

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/intent"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/store"
	"github.com/itskum47/neuralhub/control_plane/timeline"
)

// ActionRequest asks a product to perform an action.
type ActionRequest struct {
	ProductID  string
	Action     string
	Parameters map[string]any
	Context    map[string]any
	RunID      string
	WorkflowID string
}

// ActionDispatcher reaches a product or agent. A nil error means the action
// was handed off, not that it completed remotely.
type ActionDispatcher interface {
	DispatchAction(ctx context.Context, req ActionRequest) error
}

// CapabilityResolver finds products for an intent-derived action.
type CapabilityResolver interface {
	FindByCapability(capability string) []*store.Product
}

type EngineConfig struct {
	Repository *Repository
	Dispatcher ActionDispatcher
	Resolver   CapabilityResolver
	Parser     intent.Parser
	Timeline   *timeline.Store
	Clock      clock.Clock
}

// Engine executes workflow runs. Steps within a run are sequential; runs
// are independent of each other.
type Engine struct {
	repo       *Repository
	dispatcher ActionDispatcher
	resolver   CapabilityResolver
	parser     intent.Parser
	timeline   *timeline.Store
	clock      clock.Clock

	// triggered runs outlive the event that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closed is guarded by mu together with wg.Add
	mu     sync.Mutex
	closed bool
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Repository == nil {
		cfg.Repository = NewRepository()
	}
	if cfg.Parser == nil {
		cfg.Parser = intent.NewRegexParser()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:       cfg.Repository,
		dispatcher: cfg.Dispatcher,
		resolver:   cfg.Resolver,
		parser:     cfg.Parser,
		timeline:   cfg.Timeline,
		clock:      cfg.Clock,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (e *Engine) Repository() *Repository {
	return e.repo
}

// Execute runs workflowID to completion. It fails only when the workflow is
// unknown; step failures are recorded in the run's results.
func (e *Engine) Execute(ctx context.Context, workflowID string, trigger any, execCtx map[string]any) (*Run, error) {
	wf, err := e.repo.Get(workflowID)
	if err != nil {
		return nil, err
	}

	run := &Run{
		RunID:      uuid.NewString(),
		WorkflowID: wf.ID,
		Trigger:    trigger,
		Results:    make([]StepResult, 0, len(wf.Steps)),
		StartedAt:  e.clock.Now().UTC(),
	}
	e.record(run, timeline.StageRunStarted, nil, map[string]string{"steps": strconv.Itoa(len(wf.Steps))})
	log.Printf("[WORKFLOW] Run %s started for workflow %s (%d steps)", run.RunID, wf.ID, len(wf.Steps))

	failed := 0
	for i, step := range wf.Steps {
		started := e.clock.Now()
		result, err := e.executeStep(ctx, run, step, execCtx)
		observability.WorkflowStepDuration.WithLabelValues(step.Type).Observe(e.clock.Since(started).Seconds())

		meta := map[string]string{"type": step.Type}
		if err != nil {
			failed++
			stepErr := &errs.StepError{Index: i, Type: step.Type, Err: err}
			result = StepResult{Error: err.Error()}
			meta["error"] = err.Error()
			log.Printf("[WORKFLOW] Run %s %v", run.RunID, stepErr)
		} else {
			meta["status"] = result.Status
		}
		index := i
		e.record(run, timeline.StageStepFinished, &index, meta)
		run.Results = append(run.Results, result)
	}

	run.CompletedAt = e.clock.Now().UTC()
	outcome := "completed"
	if failed > 0 {
		outcome = "completed_with_errors"
	}
	observability.WorkflowRuns.WithLabelValues(wf.ID, outcome).Inc()
	e.record(run, timeline.StageRunCompleted, nil, map[string]string{"failedSteps": strconv.Itoa(failed)})
	log.Printf("[WORKFLOW] Run %s of %s completed (%d/%d steps failed)", run.RunID, wf.ID, failed, len(wf.Steps))
	return run, nil
}

// executeStep converts a panic into a step error.
func (e *Engine) executeStep(ctx context.Context, run *Run, step Step, execCtx map[string]any) (result StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = StepResult{}, fmt.Errorf("panic: %v", r)
		}
	}()

	switch step.Type {
	case StepWait:
		result, err = e.wait(ctx, step)
	case StepProductAction:
		result, err = e.productAction(ctx, run, step, execCtx)
	case StepAIProcess:
		result, err = e.aiProcess(ctx, run, step, execCtx)
	default:
		err = fmt.Errorf("unknown step type %q", step.Type)
	}
	return result, err
}

func (e *Engine) wait(ctx context.Context, step Step) (StepResult, error) {
	timer := e.clock.Timer(time.Duration(step.Duration) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return StepResult{}, fmt.Errorf("wait interrupted: %w", ctx.Err())
	}
	d := step.Duration
	return StepResult{Status: StatusWaited, Duration: &d}, nil
}

func (e *Engine) productAction(ctx context.Context, run *Run, step Step, execCtx map[string]any) (StepResult, error) {
	if e.dispatcher == nil {
		return StepResult{}, fmt.Errorf("no action dispatcher configured")
	}
	err := e.dispatcher.DispatchAction(ctx, ActionRequest{
		ProductID:  step.ProductID,
		Action:     step.Action,
		Parameters: step.Parameters,
		Context:    execCtx,
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
	})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Product: step.ProductID, Action: step.Action, Status: StatusExecuted}, nil
}

func (e *Engine) aiProcess(ctx context.Context, run *Run, step Step, execCtx map[string]any) (StepResult, error) {
	parsed, actions := e.fanOut(ctx, run.RunID, run.WorkflowID, step.Command, execCtx)
	return StepResult{
		Status:       StatusProcessed,
		Command:      step.Command,
		ParsedIntent: &parsed,
		Actions:      actions,
	}, nil
}

// ExecuteCommand parses free text and dispatches the actions it implies.
// Text matching nothing yields an empty action list.
func (e *Engine) ExecuteCommand(ctx context.Context, text string, execCtx map[string]any) (*CommandOutcome, error) {
	if text == "" {
		return nil, errs.Validation("command", "is required")
	}
	parsed, actions := e.fanOut(ctx, "", "", text, execCtx)
	if actions == nil {
		actions = []ActionResult{}
	}
	return &CommandOutcome{
		Command:         text,
		ParsedIntent:    parsed,
		ActionsExecuted: actions,
		CompletedAt:     e.clock.Now().UTC(),
	}, nil
}

func (e *Engine) fanOut(ctx context.Context, runID, workflowID, text string, execCtx map[string]any) (intent.ParsedIntent, []ActionResult) {
	parsed := e.parser.Parse(text)
	planned := intent.Plan(parsed)

	results := make([]ActionResult, 0, len(planned))
	for _, pa := range planned {
		res := ActionResult{Capability: pa.Capability, Action: pa.Action, Parameters: pa.Parameters}

		var candidates []*store.Product
		if e.resolver != nil {
			candidates = e.resolver.FindByCapability(pa.Capability)
		}
		if len(candidates) == 0 || e.dispatcher == nil {
			res.Status = StatusSkipped
			res.Error = fmt.Sprintf("no product with capability %s", pa.Capability)
			results = append(results, res)
			continue
		}

		target := candidates[0]
		res.Product = target.ID
		err := e.dispatcher.DispatchAction(ctx, ActionRequest{
			ProductID:  target.ID,
			Action:     pa.Action,
			Parameters: pa.Parameters,
			Context:    execCtx,
			RunID:      runID,
			WorkflowID: workflowID,
		})
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
		} else {
			res.Status = StatusExecuted
		}
		results = append(results, res)
	}
	return parsed, results
}

// TriggerWorkflows starts a run for every workflow triggered by ev.Type and
// returns the ids started. Runs are not awaited and their outcome does not
// flow back to the caller.
func (e *Engine) TriggerWorkflows(ev events.Event) []string {
	matched := e.repo.ByTrigger(ev.Type)
	ids := make([]string, 0, len(matched))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		if len(matched) > 0 {
			log.Printf("[WORKFLOW] Engine closed, event %s (%s) triggers nothing", ev.ID, ev.Type)
		}
		return ids
	}
	for _, wf := range matched {
		ids = append(ids, wf.ID)
		e.wg.Add(1)
		go func(id string) {
			defer e.wg.Done()
			if _, err := e.Execute(e.ctx, id, ev, map[string]any{"eventId": ev.ID, "eventType": ev.Type}); err != nil {
				log.Printf("[WORKFLOW] Triggered run of %s for event %s failed: %v", id, ev.ID, err)
			}
		}(wf.ID)
	}
	if len(ids) > 0 {
		log.Printf("[WORKFLOW] Event %s (%s) triggered %d workflows", ev.ID, ev.Type, len(ids))
	}
	return ids
}

// Shutdown stops accepting triggers and waits for runs in flight. Runs
// still going when ctx ends are interrupted, and Shutdown returns once
// they have stopped.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[WORKFLOW] Interrupting triggered runs still in flight")
		e.cancel()
		<-done
	}
	e.cancel()
}

// Close interrupts triggered runs still waiting and waits for them to return.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) record(run *Run, stage string, stepIndex *int, meta map[string]string) {
	if e.timeline == nil {
		return
	}
	e.timeline.Record(timeline.RunEvent{
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		Stage:      stage,
		StepIndex:  stepIndex,
		Timestamp:  e.clock.Now().UTC(),
		Metadata:   meta,
	})
}
