package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// Registrar is the routing surface a Handler registers itself with. It is
// implemented by the event router; the handler never touches the routing
// table directly.
type Registrar interface {
	RegisterConnection(h *Handler, userID, connectionID, threadID string) error
	UnregisterConnection(connectionID string) bool

	// Touch refreshes the routing table's activity clock for the connection.
	// The handler calls it on client receives so incoming-only traffic keeps
	// the connection out of the stale sweep.
	Touch(connectionID string)
}

// Handler is the sole gatekeeper between the event model and the physical
// transport for one connection. It decides whether an event may reach the
// transport: recipient validation happens here and cannot be bypassed by
// callers higher up the stack.
type Handler struct {
	conn      *Conn
	transport Transport
	registrar Registrar
	logger    *slog.Logger

	// sendMu serializes SendEvent against the authentication flush so an
	// event arriving mid-flush cannot jump ahead of buffered events or hit
	// the just-disabled buffer.
	sendMu sync.Mutex

	// cleanupOnce guards deregistration so racing disconnect paths cannot
	// double-unregister.
	cleanupOnce sync.Once
}

// NewHandler creates a handler for an accepted transport session. The user ID
// comes from the authentication boundary; the handler never sees raw tokens.
func NewHandler(userID string, t Transport, reg Registrar, logger *slog.Logger, bufferCapacity int) *Handler {
	return &Handler{
		conn:      NewConn(userID, bufferCapacity),
		transport: t,
		registrar: reg,
		logger:    logger.With("component", "connection"),
	}
}

// ConnectionID returns the connection's ID.
func (h *Handler) ConnectionID() string { return h.conn.ID() }

// UserID returns the bound principal.
func (h *Handler) UserID() string { return h.conn.UserID() }

// ThreadID returns the bound thread, if any.
func (h *Handler) ThreadID() string { return h.conn.ThreadID() }

// Stats returns a snapshot of the connection state.
func (h *Handler) Stats() Stats { return h.conn.Snapshot() }

// RefreshID allocates a fresh connection ID for this handler. The previous ID
// stops resolving; the caller is responsible for re-registering.
func (h *Handler) RefreshID() string { return h.conn.refreshID() }

// LastActivity returns the connection's last activity time.
func (h *Handler) LastActivity() time.Time { return h.conn.LastActivity() }

// Authenticated reports whether the connection has authenticated.
func (h *Handler) Authenticated() bool { return h.conn.Authenticated() }

// Authenticate transitions the connection to authenticated, registers it with
// the router, then flushes buffered events to the transport in arrival order.
// Concurrent SendEvent calls wait until the flush has drained, so a live
// event cannot overtake an earlier buffered one.
// Fails closed: on any registration error the connection stays unregistered
// and false is returned. Re-authenticating an already-authenticated
// connection re-registers idempotently without reflushing.
func (h *Handler) Authenticate(threadID, sessionID string) bool {
	if h.conn.Cleaned() {
		return false
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	already := h.conn.Authenticated()
	h.conn.setAuthenticated(threadID, sessionID)

	if err := h.registrar.RegisterConnection(h, h.conn.UserID(), h.conn.ID(), h.conn.ThreadID()); err != nil {
		h.logger.Warn("connection registration failed",
			"connection_id", h.conn.ID(), "user_id", h.conn.UserID(), "error", err)
		return false
	}

	if already {
		return true
	}

	for _, ev := range h.conn.buffer.Flush() {
		if !h.deliver(ev) {
			// Transport trouble during flush is non-fatal; remaining events
			// still get their delivery attempt so ordering is preserved for
			// whatever does arrive.
			h.logger.Warn("buffered event delivery failed",
				"connection_id", h.conn.ID(), "type", ev.Type)
		}
	}

	h.logger.Info("connection authenticated",
		"connection_id", h.conn.ID(), "user_id", h.conn.UserID(), "thread_id", h.conn.ThreadID())
	return true
}

// SendEvent delivers an event to this connection's transport.
//
// Before authentication the event is buffered (true = accepted but deferred).
// After authentication the event's declared user and thread must match the
// connection's bindings; any mismatch increments the filtered counter and
// returns false. This check is the isolation boundary between users.
func (h *Handler) SendEvent(ev protocol.Event) bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if h.conn.Cleaned() {
		return false
	}

	if !h.conn.Authenticated() {
		return h.conn.buffer.Add(ev)
	}

	if ev.UserID != "" && ev.UserID != h.conn.UserID() {
		h.conn.markFiltered()
		h.logger.Warn("event rejected: user mismatch",
			"connection_id", h.conn.ID(), "bound_user", h.conn.UserID(), "event_user", ev.UserID)
		return false
	}
	if boundThread := h.conn.ThreadID(); ev.ThreadID != "" && boundThread != "" && ev.ThreadID != boundThread {
		h.conn.markFiltered()
		h.logger.Warn("event rejected: thread mismatch",
			"connection_id", h.conn.ID(), "bound_thread", boundThread, "event_thread", ev.ThreadID)
		return false
	}

	return h.deliver(ev)
}

// deliver stamps the event and pushes it to the transport. Transport errors
// are reported as false, never raised, so one broken connection cannot
// destabilize a router loop over multiple recipients.
func (h *Handler) deliver(ev protocol.Event) bool {
	ev.ConnectionID = h.conn.ID()
	ev.UserID = h.conn.UserID()
	ev.Timestamp = time.Now()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	if err := h.transport.SendJSON(ev); err != nil {
		h.logger.Debug("transport write failed",
			"connection_id", h.conn.ID(), "type", ev.Type, "error", err)
		return false
	}

	h.conn.markSent()
	return true
}

// HandleIncoming processes one message read off the transport and returns the
// response event to send back, or nil when no response is due. Unauthenticated
// input and user mismatches are rejected with an error response.
func (h *Handler) HandleIncoming(msg protocol.IncomingMessage) *protocol.Event {
	if h.conn.Cleaned() {
		return nil
	}

	if !h.conn.Authenticated() {
		return errorEvent("not_authenticated", "connection is not authenticated")
	}

	if msg.UserID != "" && msg.UserID != h.conn.UserID() {
		h.conn.markFiltered()
		h.logger.Warn("incoming message rejected: user mismatch",
			"connection_id", h.conn.ID(), "bound_user", h.conn.UserID(), "declared_user", msg.UserID)
		return errorEvent("forbidden", "user mismatch")
	}

	h.conn.markReceived()
	h.registrar.Touch(h.conn.ID())

	switch msg.Type {
	case protocol.TypeJoinThread:
		threadID, _ := msg.Payload["thread_id"].(string)
		if threadID == "" {
			threadID = msg.ThreadID
		}
		if threadID == "" {
			return errorEvent("invalid_request", "join_thread requires thread_id")
		}
		h.conn.bindThread(threadID)
		if err := h.registrar.RegisterConnection(h, h.conn.UserID(), h.conn.ID(), threadID); err != nil {
			h.logger.Warn("thread rebind registration failed",
				"connection_id", h.conn.ID(), "error", err)
			return errorEvent("internal", "failed to bind thread")
		}
		return &protocol.Event{
			Type: protocol.TypeThreadJoined,
			Payload: map[string]any{
				"thread_id":     threadID,
				"connection_id": h.conn.ID(),
			},
		}

	case protocol.TypePing:
		return &protocol.Event{Type: protocol.TypePong}

	default:
		h.logger.Debug("unknown incoming message type",
			"connection_id", h.conn.ID(), "type", msg.Type)
		return nil
	}
}

// Cleanup deregisters the connection from the router, cleans the connection
// state and closes the transport so a swept socket does not linger as a
// zombie. Idempotent: later calls are no-ops.
func (h *Handler) Cleanup() {
	h.cleanupOnce.Do(func() {
		h.registrar.UnregisterConnection(h.conn.ID())
		h.conn.Cleanup()
		_ = h.transport.Close()
		h.logger.Info("connection cleaned up",
			"connection_id", h.conn.ID(), "user_id", h.conn.UserID())
	})
}

func errorEvent(code, message string) *protocol.Event {
	return &protocol.Event{
		Type: protocol.TypeError,
		Payload: map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
