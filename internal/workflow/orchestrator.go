package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate-io/agentgate/internal/recovery"
	"github.com/agentgate-io/agentgate/internal/store"
	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// Notifier delivers an event to all of a user's connections. Implemented by
// the recovery manager; delivery failures surface as a zero count, never as
// an error, so connection trouble cannot abort a pipeline.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, ev protocol.Event) int
}

// Request describes one chat request entering the pipeline.
type Request struct {
	RunID    string // assigned if empty
	ThreadID string
	UserID   string
	Message  string
	Metadata map[string]any
}

// Options configures the Orchestrator.
type Options struct {
	Steps      []Step
	StepRetry  recovery.Policy // step-level retry, independent of delivery retry
	RunTimeout time.Duration   // wall-clock bound per run; default 5m
}

// Orchestrator runs the ordered step pipeline against a shared workflow
// state, persisting after every step and streaming lifecycle events to the
// requesting user.
type Orchestrator struct {
	steps    []Step
	store    store.Store
	notifier Notifier
	retry    *recovery.Runner
	logger   *slog.Logger

	runTimeout time.Duration

	mu     sync.Mutex
	active map[string]*runContext
}

// classifyStep maps step errors to retry classes. Only failures a handler
// explicitly marks transient are retried.
func classifyStep(err error) recovery.Class {
	var se *StepError
	if errors.As(err, &se) && se.Transient {
		return recovery.ClassTransient
	}
	return recovery.ClassPermanent
}

// New creates an Orchestrator.
func New(s store.Store, n Notifier, logger *slog.Logger, opts Options) *Orchestrator {
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Orchestrator{
		steps:      opts.Steps,
		store:      s,
		notifier:   n,
		retry:      recovery.NewRunner(opts.StepRetry, classifyStep, logger),
		logger:     logger.With("component", "workflow"),
		runTimeout: timeout,
		active:     make(map[string]*runContext),
	}
}

// Run executes the pipeline for one request and returns the final state.
// A critical step failure fails the run and returns the step error; the
// state always reflects how far the pipeline got.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*State, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	stepNames := make([]string, len(o.steps))
	for i, st := range o.steps {
		stepNames[i] = st.Handler.Name()
	}

	rc := &runContext{
		runID:     runID,
		threadID:  req.ThreadID,
		userID:    req.UserID,
		steps:     stepNames,
		timeout:   o.runTimeout,
		startedAt: time.Now(),
		cancel:    cancel,
	}

	o.mu.Lock()
	if _, exists := o.active[runID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("run %s already active", runID)
	}
	o.active[runID] = rc
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	st := NewState(runID, req.ThreadID, req.UserID, req.Message)
	for k, v := range req.Metadata {
		st.Metadata[k] = v
	}

	now := time.Now()
	if err := o.store.CreateRun(ctx, &store.Run{
		ID:        runID,
		ThreadID:  req.ThreadID,
		UserID:    req.UserID,
		Status:    string(StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	st.Status = StatusRunning
	if err := o.store.UpdateRunStatus(ctx, runID, string(StatusRunning)); err != nil {
		o.logger.Warn("run status update failed", "run_id", runID, "error", err)
	}

	o.emit(ctx, rc, protocol.TypeAgentStarted, map[string]any{
		"run_id": runID,
		"steps":  stepNames,
	})

	for i, step := range o.steps {
		rc.current = i
		name := step.Handler.Name()

		if step.When != nil && !step.When(st) {
			o.logger.Debug("step skipped", "run_id", runID, "step", name)
			o.emit(ctx, rc, protocol.TypeSubAgentUpdate, map[string]any{
				"run_id": runID, "step": name, "status": "skipped",
			})
			continue
		}

		o.emit(ctx, rc, protocol.TypeSubAgentUpdate, map[string]any{
			"run_id": runID, "step": name, "status": "running",
		})

		err := o.executeStep(ctx, rc, step, st)
		if err != nil {
			st.Errors = append(st.Errors, err.Error())
			if step.Critical {
				st.Status = StatusFailed
				o.persistState(ctx, runID, st)
				o.finishRun(ctx, rc, st, err)
				return st, err
			}
			o.logger.Warn("non-critical step failed, continuing",
				"run_id", runID, "step", name, "error", err)
			o.emit(ctx, rc, protocol.TypeSubAgentUpdate, map[string]any{
				"run_id": runID, "step": name, "status": "failed", "error": err.Error(),
			})
			o.persistState(ctx, runID, st)
			continue
		}

		// Exactly one completed event per step regardless of retries.
		o.emit(ctx, rc, protocol.TypeSubAgentUpdate, map[string]any{
			"run_id": runID, "step": name, "status": "completed",
		})
		o.persistState(ctx, runID, st)
	}

	st.Status = StatusCompleted
	o.persistState(ctx, runID, st)
	o.finishRun(ctx, rc, st, nil)
	return st, nil
}

// executeStep runs one handler under the step-level retry policy.
func (o *Orchestrator) executeStep(ctx context.Context, rc *runContext, step Step, st *State) error {
	name := step.Handler.Name()
	stream := func(ctx context.Context, eventType string, payload map[string]any) {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["run_id"] = rc.runID
		payload["step"] = name
		o.emit(ctx, rc, eventType, payload)
	}

	return o.retry.Do(ctx, rc.runID+"|"+name, func(ctx context.Context) error {
		rc.retries++
		return step.Handler.Execute(ctx, st, rc.runID, stream)
	})
}

func (o *Orchestrator) finishRun(ctx context.Context, rc *runContext, st *State, runErr error) {
	status := StatusCompleted
	if runErr != nil {
		status = StatusFailed
	}
	if err := o.store.UpdateRunStatus(ctx, rc.runID, string(status)); err != nil {
		o.logger.Warn("run status update failed", "run_id", rc.runID, "error", err)
	}

	if runErr != nil {
		o.emit(ctx, rc, protocol.TypeAgentError, map[string]any{
			"run_id": rc.runID,
			"error":  runErr.Error(),
		})
		o.logger.Error("run failed", "run_id", rc.runID, "user_id", rc.userID, "error", runErr)
		return
	}

	o.emit(ctx, rc, protocol.TypeAgentCompleted, map[string]any{
		"run_id": rc.runID,
		"result": st.Data,
	})
	o.logger.Info("run completed",
		"run_id", rc.runID, "user_id", rc.userID, "duration", time.Since(rc.startedAt))
}

// persistState saves the state after a step. Persistence failures are logged,
// not fatal: the run keeps going and the next checkpoint retries the write.
func (o *Orchestrator) persistState(ctx context.Context, runID string, st *State) {
	raw, err := st.Marshal()
	if err != nil {
		o.logger.Error("state marshal failed", "run_id", runID, "error", err)
		return
	}
	if err := o.store.SaveRunState(ctx, runID, raw); err != nil {
		o.logger.Warn("state persist failed", "run_id", runID, "error", err)
	}
}

// emit sends a lifecycle event to the run's user. Best-effort: a zero
// delivery count is logged and ignored.
func (o *Orchestrator) emit(ctx context.Context, rc *runContext, eventType string, payload map[string]any) {
	ev := protocol.Event{
		Type:     eventType,
		UserID:   rc.userID,
		ThreadID: rc.threadID,
		Payload:  payload,
	}
	if delivered := o.notifier.NotifyUser(ctx, rc.userID, ev); delivered == 0 {
		o.logger.Debug("event not delivered",
			"run_id", rc.runID, "user_id", rc.userID, "type", eventType)
	}
}

// ActiveRuns returns the IDs of currently executing runs.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.active))
	for id := range o.active {
		out = append(out, id)
	}
	return out
}

// Cancel cancels an active run.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	rc, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	rc.cancel()
	return true
}

// Shutdown notifies all active runs' users that the process is stopping and
// cancels the runs. Notification is best-effort.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	rcs := make([]*runContext, 0, len(o.active))
	for _, rc := range o.active {
		rcs = append(rcs, rc)
	}
	o.mu.Unlock()

	for _, rc := range rcs {
		o.notifier.NotifyUser(ctx, rc.userID, protocol.Event{
			Type:     protocol.TypeAgentError,
			UserID:   rc.userID,
			ThreadID: rc.threadID,
			Payload: map[string]any{
				"run_id": rc.runID,
				"error":  "server shutting down",
			},
		})
		rc.cancel()
	}
	if len(rcs) > 0 {
		o.logger.Info("active runs cancelled on shutdown", "count", len(rcs))
	}
}
