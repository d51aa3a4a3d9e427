// Package connection manages the per-connection state and the handler that
// gates all event delivery to a single WebSocket client.
package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn holds the state of one transport session: identity, authentication
// state, activity timestamps, counters, and the pre-auth event buffer.
// Exactly one Conn exists per live transport session; the user ID is
// immutable after construction. All mutation goes through the owning Handler.
type Conn struct {
	mu sync.Mutex

	id        string
	userID    string
	threadID  string
	sessionID string

	authenticated bool
	cleaned       bool

	createdAt    time.Time
	lastActivity time.Time

	eventsReceived uint64
	eventsSent     uint64
	eventsFiltered uint64

	buffer *Buffer
}

// Stats is a point-in-time snapshot of a connection's counters and state.
type Stats struct {
	ConnectionID   string
	UserID         string
	ThreadID       string
	Authenticated  bool
	Cleaned        bool
	CreatedAt      time.Time
	LastActivity   time.Time
	EventsReceived uint64
	EventsSent     uint64
	EventsFiltered uint64
	Buffered       int
}

// NewConn creates connection state for an authenticated principal. The
// connection starts unauthenticated with buffering enabled.
func NewConn(userID string, bufferCapacity int) *Conn {
	now := time.Now()
	return &Conn{
		id:           uuid.New().String(),
		userID:       userID,
		createdAt:    now,
		lastActivity: now,
		buffer:       NewBuffer(bufferCapacity),
	}
}

// ID returns the connection ID.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// UserID returns the bound principal. Immutable after construction.
func (c *Conn) UserID() string { return c.userID }

// ThreadID returns the currently bound thread, if any.
func (c *Conn) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// SessionID returns the logical session grouping, if any.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Authenticated reports whether authenticate() has completed.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Cleaned reports whether the connection has been cleaned up.
func (c *Conn) Cleaned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleaned
}

// LastActivity returns the time of the last successful send or receive.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// UpdateActivity records activity now.
func (c *Conn) UpdateActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// Cleanup clears the buffer and marks the connection cleaned. Idempotent.
func (c *Conn) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaned {
		return
	}
	c.buffer.Clear()
	c.cleaned = true
}

// Snapshot returns the current counters and state.
func (c *Conn) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ConnectionID:   c.id,
		UserID:         c.userID,
		ThreadID:       c.threadID,
		Authenticated:  c.authenticated,
		Cleaned:        c.cleaned,
		CreatedAt:      c.createdAt,
		LastActivity:   c.lastActivity,
		EventsReceived: c.eventsReceived,
		EventsSent:     c.eventsSent,
		EventsFiltered: c.eventsFiltered,
		Buffered:       c.buffer.Len(),
	}
}

func (c *Conn) setAuthenticated(threadID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	if threadID != "" {
		c.threadID = threadID
	}
	if sessionID != "" {
		c.sessionID = sessionID
	}
}

func (c *Conn) bindThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = threadID
}

func (c *Conn) markSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsSent++
	c.lastActivity = time.Now()
}

func (c *Conn) markReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsReceived++
	c.lastActivity = time.Now()
}

func (c *Conn) markFiltered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsFiltered++
}

// refreshID allocates a new connection ID. Used when the old ID is burned
// (e.g. a stale routing entry that cannot be repaired in place). The caller
// must re-register under the new ID.
func (c *Conn) refreshID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = uuid.New().String()
	return c.id
}
