package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/intent"
)

// Step types.
const (
	StepProductAction = "product-action"
	StepAIProcess     = "ai-process"
	StepWait          = "wait"
)

// Step statuses recorded in results.
const (
	StatusExecuted  = "executed"
	StatusWaited    = "waited"
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Step is one entry of a workflow. Which fields apply depends on Type:
// product-action uses ProductID, Action and Parameters; ai-process uses
// Command; wait uses Duration in milliseconds.
type Step struct {
	Type       string         `json:"type" yaml:"type"`
	ProductID  string         `json:"productId,omitempty" yaml:"productId,omitempty"`
	Action     string         `json:"action,omitempty" yaml:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Command    string         `json:"command,omitempty" yaml:"command,omitempty"`
	Duration   int64          `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func (s Step) Validate() error {
	switch s.Type {
	case StepProductAction:
		if strings.TrimSpace(s.ProductID) == "" {
			return fmt.Errorf("product-action requires productId")
		}
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("product-action requires action")
		}
	case StepAIProcess:
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("ai-process requires command")
		}
	case StepWait:
		if s.Duration < 0 {
			return fmt.Errorf("wait duration must not be negative")
		}
	case "":
		return fmt.Errorf("step type is required")
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}

// Workflow is a static definition: an ordered list of steps started by any
// of its trigger event types.
type Workflow struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Triggers []string `json:"triggers" yaml:"triggers"`
	Steps    []Step   `json:"steps" yaml:"steps"`
}

func (w Workflow) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errs.Validation("id", "is required")
	}
	for i, s := range w.Steps {
		if err := s.Validate(); err != nil {
			return errs.Validation(fmt.Sprintf("steps[%d]", i), err.Error())
		}
	}
	return nil
}

// HasTrigger reports whether eventType starts this workflow.
func (w Workflow) HasTrigger(eventType string) bool {
	for _, t := range w.Triggers {
		if t == eventType {
			return true
		}
	}
	return false
}

// ActionResult is the outcome of one dispatched action.
type ActionResult struct {
	Product    string         `json:"product,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
}

// StepResult records one step. A failed step carries only Error.
type StepResult struct {
	Status       string               `json:"status,omitempty"`
	Product      string               `json:"product,omitempty"`
	Action       string               `json:"action,omitempty"`
	Duration     *int64               `json:"duration,omitempty"`
	Command      string               `json:"command,omitempty"`
	ParsedIntent *intent.ParsedIntent `json:"parsedIntent,omitempty"`
	Actions      []ActionResult       `json:"actionsExecuted,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Failed reports whether the step recorded an error.
func (r StepResult) Failed() bool {
	return r.Error != ""
}

// Run is the outcome of one execution. Results has one entry per step, in
// step order.
type Run struct {
	RunID       string       `json:"runId"`
	WorkflowID  string       `json:"workflowId"`
	Trigger     any          `json:"trigger,omitempty"`
	Results     []StepResult `json:"results"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt"`
}

// CommandOutcome is the response to a free-text operator command.
type CommandOutcome struct {
	Command         string              `json:"command"`
	ParsedIntent    intent.ParsedIntent `json:"parsedIntent"`
	ActionsExecuted []ActionResult      `json:"actionsExecuted"`
	CompletedAt     time.Time           `json:"completedAt"`
}
