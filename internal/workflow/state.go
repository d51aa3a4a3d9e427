// Package workflow drives the ordered pipeline of step handlers for one chat
// request, emitting lifecycle events to the requesting user through the
// recovery layer.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the run state machine value.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the shared workflow state passed through the step pipeline. Step
// handlers mutate it in place; the orchestrator persists it after every step.
// Access is serialized by the orchestrator (one goroutine per run), so no
// locking is needed inside handlers.
type State struct {
	RunID    string         `json:"run_id"`
	ThreadID string         `json:"thread_id,omitempty"`
	UserID   string         `json:"user_id"`
	Request  string         `json:"request"`
	Status   Status         `json:"status"`
	Data     map[string]any `json:"data"`               // step outputs keyed by step name
	Metadata map[string]any `json:"metadata,omitempty"` // free-form run metadata
	Errors   []string       `json:"errors,omitempty"`   // non-critical step failures
}

// NewState initializes workflow state for a run.
func NewState(runID, threadID, userID, request string) *State {
	return &State{
		RunID:    runID,
		ThreadID: threadID,
		UserID:   userID,
		Request:  request,
		Status:   StatusPending,
		Data:     make(map[string]any),
		Metadata: make(map[string]any),
	}
}

// Marshal encodes the state for persistence.
func (s *State) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow state: %w", err)
	}
	return b, nil
}

// StreamFunc lets a step handler emit a progress event to the requesting
// user mid-step. Delivery is best-effort; the step must not depend on it.
type StreamFunc func(ctx context.Context, eventType string, payload map[string]any)

// Handler is a single pipeline step. Implementations mutate the state in
// place and return an error on failure; the orchestrator decides whether the
// failure aborts the run. No runtime capability discovery: the orchestrator
// holds a static ordered list of handlers.
type Handler interface {
	Name() string
	Execute(ctx context.Context, st *State, runID string, stream StreamFunc) error
}

// Step binds a handler into the pipeline with its execution policy.
type Step struct {
	Handler  Handler
	Critical bool              // a failure aborts the run
	When     func(*State) bool // nil = always run; false = skipped
}

// StepError is the typed failure a step handler returns. Transient failures
// are retried at the step level, independent of delivery-layer retries.
type StepError struct {
	Step      string
	Code      string
	Transient bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.Step, e.Code, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewStepError wraps a step failure.
func NewStepError(step, code string, transient bool, err error) *StepError {
	return &StepError{Step: step, Code: code, Transient: transient, Err: err}
}

// runContext is the orchestrator's per-run bookkeeping. Exactly one exists
// per active run ID.
type runContext struct {
	runID     string
	threadID  string
	userID    string
	steps     []string
	current   int
	retries   int
	timeout   time.Duration
	startedAt time.Time
	cancel    context.CancelFunc
}
