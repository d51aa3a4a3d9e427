package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentgate-io/agentgate/internal/router"
	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// Manager wraps the event router with resilience so transient delivery
// failures degrade gracefully instead of silently dropping user-visible
// progress. All methods return boolean outcomes; nothing raises past this
// layer, so one user's connection trouble cannot abort an in-flight workflow.
type Manager struct {
	router *router.EventRouter
	runner *Runner
	logger *slog.Logger

	strategyTimeout time.Duration
}

// ManagerOptions configures the recovery manager.
type ManagerOptions struct {
	Policy          Policy
	StrategyTimeout time.Duration // time bound per recovery strategy attempt; default 2s
}

// NewManager creates a recovery manager over the given router.
func NewManager(r *router.EventRouter, logger *slog.Logger, opts ManagerOptions) *Manager {
	timeout := opts.StrategyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Manager{
		router:          r,
		runner:          NewRunner(opts.Policy, classifyDelivery, logger),
		logger:          logger.With("component", "recovery"),
		strategyTimeout: timeout,
	}
}

// classifyDelivery maps router delivery errors to failure classes.
func classifyDelivery(err error) Class {
	switch {
	case errors.Is(err, router.ErrUnknownConnection):
		return ClassMissingTarget
	case errors.Is(err, router.ErrUserMismatch):
		// Isolation rejections are never retryable.
		return ClassPermanent
	case errors.Is(err, router.ErrDeliveryFailed):
		return ClassTransient
	default:
		return ClassTransient
	}
}

func breakerKey(userID, connectionID string) string {
	return userID + "|" + connectionID
}

// RouteWithRecovery delivers an event to one connection, retrying transient
// transport failures and, when the connection entry itself is broken, running
// an ordered strategy chain: re-authenticate the handler, refresh the table
// entry, re-register under a fresh connection ID, and finally fall back to
// broadcasting to the user. The first success short-circuits the chain.
func (m *Manager) RouteWithRecovery(ctx context.Context, userID, connectionID string, ev protocol.Event) bool {
	key := breakerKey(userID, connectionID)

	err := m.runner.Do(ctx, key, func(ctx context.Context) error {
		return m.router.DeliverEvent(userID, connectionID, ev)
	})
	if err == nil {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		m.logger.Debug("delivery skipped: circuit open",
			"user_id", userID, "connection_id", connectionID, "type", ev.Type)
		return false
	}
	if classifyDelivery(err) == ClassPermanent {
		return false
	}

	return m.recover(ctx, userID, connectionID, key, ev)
}

// recover runs the ordered strategy chain. Each attempt is time-bounded.
func (m *Manager) recover(ctx context.Context, userID, connectionID, key string, ev protocol.Event) bool {
	type strategy struct {
		name string
		run  func(ctx context.Context) bool
	}

	strategies := []strategy{
		{"reauthenticate", func(ctx context.Context) bool {
			if !m.router.ReauthenticateConnection(connectionID) {
				return false
			}
			return m.router.RouteEvent(userID, connectionID, ev)
		}},
		{"refresh_entry", func(ctx context.Context) bool {
			if !m.router.RefreshConnection(connectionID) {
				return false
			}
			return m.router.RouteEvent(userID, connectionID, ev)
		}},
		{"reassign_connection", func(ctx context.Context) bool {
			newID, ok := m.router.ReassignConnection(connectionID)
			if !ok {
				return false
			}
			return m.router.RouteEvent(userID, newID, ev)
		}},
		{"broadcast_fallback", func(ctx context.Context) bool {
			return m.router.BroadcastToUser(userID, ev) > 0
		}},
	}

	for _, s := range strategies {
		sctx, cancel := context.WithTimeout(ctx, m.strategyTimeout)
		ok := s.run(sctx)
		cancel()
		if ok {
			m.runner.recordSuccess(key)
			m.logger.Info("delivery recovered",
				"strategy", s.name, "user_id", userID, "connection_id", connectionID, "type", ev.Type)
			return true
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.logger.Warn("delivery recovery exhausted",
		"user_id", userID, "connection_id", connectionID, "type", ev.Type)
	return false
}

// NotifyUser delivers an event to every connection the user has, applying
// per-connection recovery. Returns the number of successful deliveries; zero
// means the user saw nothing, which the caller treats as best-effort loss.
func (m *Manager) NotifyUser(ctx context.Context, userID string, ev protocol.Event) int {
	conns := m.router.GetUserConnections(userID)
	delivered := 0
	for _, connID := range conns {
		if m.RouteWithRecovery(ctx, userID, connID, ev) {
			delivered++
		}
	}
	return delivered
}

// BreakerOpen exposes breaker state for a (user, connection) pair.
func (m *Manager) BreakerOpen(userID, connectionID string) bool {
	return m.runner.BreakerOpen(breakerKey(userID, connectionID))
}

// Stats returns cumulative permanent-failure and circuit-skip counters.
func (m *Manager) Stats() (permanentFailures, circuitSkips uint64) {
	return m.runner.Stats()
}
