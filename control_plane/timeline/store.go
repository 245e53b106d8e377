package timeline

import (
	"sync"
	"time"
)

// Run stages.
const (
	StageRunStarted   = "RUN_STARTED"
	StageStepFinished = "STEP_FINISHED"
	StageRunCompleted = "RUN_COMPLETED"
)

// DefaultMaxRuns bounds how many runs the store remembers.
const DefaultMaxRuns = 1000

type RunEvent struct {
	RunID      string            `json:"runId"`
	WorkflowID string            `json:"workflowId"`
	Stage      string            `json:"stage"`
	StepIndex  *int              `json:"stepIndex,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store keeps stage records per run. When more than maxRuns runs are known
// the oldest run is forgotten.
type Store struct {
	mu      sync.RWMutex
	maxRuns int
	order   []string
	runs    map[string][]RunEvent
}

func NewStore(maxRuns int) *Store {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &Store{
		maxRuns: maxRuns,
		runs:    make(map[string][]RunEvent),
	}
}

func (s *Store) Record(e RunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if _, ok := s.runs[e.RunID]; !ok {
		s.order = append(s.order, e.RunID)
		for len(s.order) > s.maxRuns {
			delete(s.runs, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.runs[e.RunID] = append(s.runs[e.RunID], e)
}

// Events returns the stage records of runID in the order they were recorded.
func (s *Store) Events(runID string) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]RunEvent, len(s.runs[runID]))
	copy(c, s.runs[runID])
	return c
}

// RunCount returns the number of runs currently remembered.
func (s *Store) RunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
