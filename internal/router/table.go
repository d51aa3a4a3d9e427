package router

import (
	"sync"
	"time"
)

// entry is the per-connection routing record.
type entry struct {
	userID       string
	threadID     string
	lastActivity time.Time
	active       bool
}

// Table is the process-local registry mapping users to their connections and
// back. Both indices are mutated only inside one critical section per
// operation, so they are never observed in a partially-updated state. The
// table is owned by exactly one EventRouter per process; nothing else holds
// a copy of the indices.
type Table struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // userID -> set of connection IDs
	byConn map[string]*entry              // connectionID -> entry
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]*entry),
	}
}

// Register inserts the (user, connection) pair into both indices atomically.
// Re-registering an existing pair is idempotent and refreshes the activity
// timestamp. Returns false if the connection ID is already bound to a
// different user.
func (t *Table) Register(userID, connectionID, threadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byConn[connectionID]; ok {
		if e.userID != userID {
			return false
		}
		e.threadID = threadID
		e.lastActivity = time.Now()
		e.active = true
		return true
	}

	if t.byUser[userID] == nil {
		t.byUser[userID] = make(map[string]struct{})
	}
	t.byUser[userID][connectionID] = struct{}{}
	t.byConn[connectionID] = &entry{
		userID:       userID,
		threadID:     threadID,
		lastActivity: time.Now(),
		active:       true,
	}
	return true
}

// Unregister removes the connection from both indices atomically. Idempotent
// if the connection is absent.
func (t *Table) Unregister(connectionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byConn[connectionID]
	if !ok {
		return false
	}
	delete(t.byConn, connectionID)
	if conns := t.byUser[e.userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(t.byUser, e.userID)
		}
	}
	return true
}

// Lookup resolves a connection ID to its bound user.
func (t *Table) Lookup(connectionID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byConn[connectionID]
	if !ok {
		return "", false
	}
	return e.userID, true
}

// UserConnections returns a snapshot of the connection IDs registered for a
// user.
func (t *Table) UserConnections(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := t.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Touch refreshes a connection's activity timestamp.
func (t *Table) Touch(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byConn[connectionID]; ok {
		e.lastActivity = time.Now()
	}
}

// Stale returns connection IDs with no activity since the cutoff.
func (t *Table) Stale(cutoff time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, e := range t.byConn {
		if e.lastActivity.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of registered connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}

// Repair rebuilds each index from the other, dropping orphans. The paired
// critical sections in Register/Unregister make orphans structurally
// impossible through the public API; this exists for externally injected
// corruption (tests) and returns the number of entries fixed.
func (t *Table) Repair() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fixed := 0

	// Forward entries missing from the reverse index.
	for userID, conns := range t.byUser {
		for id := range conns {
			if e, ok := t.byConn[id]; !ok || e.userID != userID {
				if !ok {
					t.byConn[id] = &entry{userID: userID, lastActivity: time.Now(), active: true}
				} else {
					delete(conns, id)
				}
				fixed++
			}
		}
		if len(conns) == 0 {
			delete(t.byUser, userID)
		}
	}

	// Reverse entries missing from the forward index.
	for id, e := range t.byConn {
		if _, ok := t.byUser[e.userID][id]; !ok {
			if t.byUser[e.userID] == nil {
				t.byUser[e.userID] = make(map[string]struct{})
			}
			t.byUser[e.userID][id] = struct{}{}
			fixed++
		}
	}

	return fixed
}
