// Package recovery wraps fallible operations with failure classification,
// bounded retry with exponential backoff, and per-key circuit breaking. One
// generic Runner serves both the event-delivery layer and the workflow step
// layer as two separately configured instances.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Class is the failure classification driving retry decisions.
type Class int

const (
	// ClassPermanent failures are not retried.
	ClassPermanent Class = iota
	// ClassTransient failures are retried with backoff.
	ClassTransient
	// ClassMissingTarget failures mean the operation's target no longer
	// exists; retrying as-is is pointless but a repair strategy may help.
	ClassMissingTarget
)

// Classifier maps an operation error to a failure class.
type Classifier func(err error) Class

// ErrCircuitOpen is returned when the breaker for a key is open and the
// attempt is skipped without invoking the operation.
var ErrCircuitOpen = errors.New("circuit open")

// Policy configures retry and circuit-breaking behavior.
type Policy struct {
	MaxAttempts      int           // bounded attempts per call; default 3
	InitialBackoff   time.Duration // first retry delay; default 100ms
	MaxBackoff       time.Duration // backoff cap; default 2s
	BreakerThreshold int           // consecutive failures before the breaker opens; default 3
	BreakerCooldown  time.Duration // how long an open breaker fast-fails; default 30s
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 3
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = 30 * time.Second
	}
	return p
}

type breaker struct {
	consecutiveFailures int
	openedAt            time.Time
	open                bool
}

// Runner executes operations under a retry policy with per-key circuit
// breaking. Safe for concurrent use.
type Runner struct {
	policy   Policy
	classify Classifier
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker

	permanentFailures uint64
	circuitSkips      uint64
}

// NewRunner creates a Runner. The classifier decides which failures are
// retryable; a nil classifier treats every error as transient.
func NewRunner(policy Policy, classify Classifier, logger *slog.Logger) *Runner {
	if classify == nil {
		classify = func(error) Class { return ClassTransient }
	}
	return &Runner{
		policy:   policy.withDefaults(),
		classify: classify,
		logger:   logger.With("component", "recovery"),
		breakers: make(map[string]*breaker),
	}
}

// Do runs op under the retry policy. The key scopes the circuit breaker
// (e.g. "user|connection"). Returns the last error on exhaustion, or
// ErrCircuitOpen when the breaker skipped the attempt entirely.
func (r *Runner) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	if r.breakerOpen(key) {
		r.mu.Lock()
		r.circuitSkips++
		r.mu.Unlock()
		return ErrCircuitOpen
	}

	backoff := r.policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			r.recordSuccess(key)
			return nil
		}

		class := r.classify(lastErr)
		r.recordFailure(key)

		if class != ClassTransient {
			break
		}
		// The breaker may have opened on this failure; no retries once open.
		if r.breakerOpen(key) {
			break
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.policy.MaxBackoff {
			backoff = r.policy.MaxBackoff
		}
	}

	r.mu.Lock()
	r.permanentFailures++
	r.mu.Unlock()
	return lastErr
}

// breakerOpen reports whether the key's breaker is open, transitioning to
// half-open (one probe allowed) after the cooldown.
func (r *Runner) breakerOpen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok || !b.open {
		return false
	}
	if time.Since(b.openedAt) >= r.policy.BreakerCooldown {
		// Half-open: allow a probe without resetting the failure count.
		b.open = false
		return false
	}
	return true
}

// recordSuccess resets the key's consecutive-failure counter and closes the
// breaker.
func (r *Runner) recordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		b.consecutiveFailures = 0
		b.open = false
	}
}

func (r *Runner) recordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= r.policy.BreakerThreshold && !b.open {
		b.open = true
		b.openedAt = time.Now()
		r.logger.Warn("circuit opened", "key", key, "consecutive_failures", b.consecutiveFailures)
	}
}

// BreakerOpen reports the breaker state for a key without side effects.
func (r *Runner) BreakerOpen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	return ok && b.open && time.Since(b.openedAt) < r.policy.BreakerCooldown
}

// ConsecutiveFailures returns the current consecutive-failure count for a key.
func (r *Runner) ConsecutiveFailures(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b.consecutiveFailures
	}
	return 0
}

// Stats returns cumulative failure counters for observability.
func (r *Runner) Stats() (permanentFailures, circuitSkips uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permanentFailures, r.circuitSkips
}
