// Package router owns the single routing table mapping users to their live
// WebSocket connections and delivers events to the right connection handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate-io/agentgate/internal/connection"
	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// Delivery errors surfaced to the recovery layer. RouteEvent itself converts
// these to boolean outcomes; DeliverEvent exposes them for classification.
var (
	ErrUnknownConnection = errors.New("connection not registered")
	ErrUserMismatch      = errors.New("connection not bound to user")
	ErrDeliveryFailed    = errors.New("event delivery failed")
)

// DefaultStaleThreshold is how long a connection may sit idle before the
// sweeper removes it.
const DefaultStaleThreshold = 5 * time.Minute

// Options configures the EventRouter.
type Options struct {
	StaleThreshold time.Duration // idle cutoff for the stale sweep; default 5m
}

// EventRouter registers and deregisters connections against the routing table
// and delegates delivery to the owning connection handler. It is the only
// component that mutates the table.
type EventRouter struct {
	table  *Table
	logger *slog.Logger

	staleThreshold time.Duration

	mu       sync.RWMutex
	handlers map[string]*connection.Handler // connectionID -> live handler
}

// New creates an EventRouter with its own routing table.
func New(logger *slog.Logger, opts Options) *EventRouter {
	threshold := opts.StaleThreshold
	if threshold == 0 {
		threshold = DefaultStaleThreshold
	}
	return &EventRouter{
		table:          NewTable(),
		logger:         logger.With("component", "router"),
		staleThreshold: threshold,
		handlers:       make(map[string]*connection.Handler),
	}
}

// RegisterConnection binds a handler's connection to its user in the routing
// table. Idempotent for an existing (user, connection) pair.
func (r *EventRouter) RegisterConnection(h *connection.Handler, userID, connectionID, threadID string) error {
	if h == nil {
		return errors.New("nil handler")
	}
	if userID == "" || connectionID == "" {
		return errors.New("user and connection IDs are required")
	}
	if h.UserID() != userID {
		return fmt.Errorf("handler bound to user %q, not %q", h.UserID(), userID)
	}

	if !r.table.Register(userID, connectionID, threadID) {
		return fmt.Errorf("connection %s already bound to another user", connectionID)
	}

	r.mu.Lock()
	r.handlers[connectionID] = h
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		"connection_id", connectionID, "user_id", userID, "thread_id", threadID)
	return nil
}

// UnregisterConnection removes the connection from the table and the live
// handler map. Idempotent if absent.
func (r *EventRouter) UnregisterConnection(connectionID string) bool {
	removed := r.table.Unregister(connectionID)

	r.mu.Lock()
	delete(r.handlers, connectionID)
	r.mu.Unlock()

	if removed {
		r.logger.Debug("connection unregistered", "connection_id", connectionID)
	}
	return removed
}

// Touch refreshes the routing table's activity timestamp for a connection.
// The connection handler calls it on client receives; without it a client
// that only sends would look idle to the stale sweep.
func (r *EventRouter) Touch(connectionID string) {
	r.table.Touch(connectionID)
}

// GetUserConnections returns a snapshot of connection IDs registered for the
// user.
func (r *EventRouter) GetUserConnections(userID string) []string {
	return r.table.UserConnections(userID)
}

// UserConnectionCount returns how many connections the user currently has.
func (r *EventRouter) UserConnectionCount(userID string) int {
	return len(r.table.UserConnections(userID))
}

// HasConnection reports whether the connection is currently registered.
func (r *EventRouter) HasConnection(connectionID string) bool {
	_, ok := r.table.Lookup(connectionID)
	return ok
}

// RouteEvent delivers an event to one connection. Returns false (never
// panics or raises) if the connection is unknown, bound to a different user,
// unauthenticated, or the transport write fails. An in-flight route racing
// with cleanup sees "connection not found" as an ordinary false.
func (r *EventRouter) RouteEvent(userID, connectionID string, ev protocol.Event) bool {
	return r.DeliverEvent(userID, connectionID, ev) == nil
}

// DeliverEvent is RouteEvent with a typed error for the recovery layer's
// failure classification.
func (r *EventRouter) DeliverEvent(userID, connectionID string, ev protocol.Event) error {
	boundUser, ok := r.table.Lookup(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	// Defense in depth alongside the handler's own recipient check.
	if boundUser != userID {
		r.logger.Warn("route rejected: table binding mismatch",
			"connection_id", connectionID, "bound_user", boundUser, "event_user", userID)
		return ErrUserMismatch
	}

	r.mu.RLock()
	h := r.handlers[connectionID]
	r.mu.RUnlock()
	if h == nil {
		return ErrUnknownConnection
	}

	if !h.SendEvent(ev) {
		return ErrDeliveryFailed
	}
	r.table.Touch(connectionID)
	return nil
}

// BroadcastToUser routes the event to every connection registered for the
// user and returns the number of successful deliveries. Partial failure is
// expected and non-fatal.
func (r *EventRouter) BroadcastToUser(userID string, ev protocol.Event) int {
	delivered := 0
	for _, connID := range r.table.UserConnections(userID) {
		if r.RouteEvent(userID, connID, ev) {
			delivered++
		}
	}
	return delivered
}

// ReauthenticateConnection re-runs authentication for a live handler,
// repairing its registration. Used by the recovery layer.
func (r *EventRouter) ReauthenticateConnection(connectionID string) bool {
	r.mu.RLock()
	h := r.handlers[connectionID]
	r.mu.RUnlock()
	if h == nil {
		return false
	}
	return h.Authenticate(h.ThreadID(), "")
}

// RefreshConnection re-registers a live handler's table entry in place.
func (r *EventRouter) RefreshConnection(connectionID string) bool {
	r.mu.RLock()
	h := r.handlers[connectionID]
	r.mu.RUnlock()
	if h == nil {
		return false
	}
	return r.RegisterConnection(h, h.UserID(), h.ConnectionID(), h.ThreadID()) == nil
}

// ReassignConnection allocates a fresh connection ID for a live handler and
// re-registers it, dropping the burned entry. Returns the new ID.
func (r *EventRouter) ReassignConnection(connectionID string) (string, bool) {
	r.mu.Lock()
	h := r.handlers[connectionID]
	if h == nil {
		r.mu.Unlock()
		return "", false
	}
	delete(r.handlers, connectionID)
	r.mu.Unlock()
	r.table.Unregister(connectionID)

	newID := h.RefreshID()
	if err := r.RegisterConnection(h, h.UserID(), newID, h.ThreadID()); err != nil {
		r.logger.Warn("connection reassign failed",
			"old_connection_id", connectionID, "new_connection_id", newID, "error", err)
		return "", false
	}
	r.logger.Info("connection reassigned",
		"old_connection_id", connectionID, "new_connection_id", newID, "user_id", h.UserID())
	return newID, true
}

// CleanupStaleConnections sweeps connections idle past the staleness
// threshold, unregisters them and cleans up their handlers. Returns the
// number removed. This is the self-healing mechanism against clients that
// vanish without a close frame.
func (r *EventRouter) CleanupStaleConnections() int {
	cutoff := time.Now().Add(-r.staleThreshold)
	removed := 0
	for _, connID := range r.table.Stale(cutoff) {
		r.mu.RLock()
		h := r.handlers[connID]
		r.mu.RUnlock()

		r.UnregisterConnection(connID)
		if h != nil {
			h.Cleanup()
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("stale connections swept", "count", removed)
	}
	return removed
}

// RepairTable rebuilds the table indices from each other. See Table.Repair.
func (r *EventRouter) RepairTable() int {
	fixed := r.table.Repair()
	if fixed > 0 {
		r.logger.Warn("routing table repaired", "entries_fixed", fixed)
	}
	return fixed
}

// StartSweeper runs the stale-connection sweep on a ticker until the context
// is cancelled.
func (r *EventRouter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupStaleConnections()
			}
		}
	}()
}

// backdateConnection rewrites a connection's lastActivity; test hook for the
// stale sweep.
func (r *EventRouter) backdateConnection(connectionID string, to time.Time) {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	if e, ok := r.table.byConn[connectionID]; ok {
		e.lastActivity = to
	}
}
