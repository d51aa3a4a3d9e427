package connection

import (
	"sync"

	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// DefaultBufferCapacity bounds how many events a connection may hold before
// authentication completes.
const DefaultBufferCapacity = 50

// Buffer is a bounded FIFO of events held for a connection until it
// authenticates. Once flushed, buffering is permanently disabled: late events
// must go through the live delivery path instead.
type Buffer struct {
	mu       sync.Mutex
	events   []protocol.Event
	capacity int
	enabled  bool
}

// NewBuffer creates a buffer with the given capacity (DefaultBufferCapacity
// if <= 0).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		events:   make([]protocol.Event, 0, capacity),
		capacity: capacity,
		enabled:  true,
	}
}

// Add appends an event. Returns false if buffering has been permanently
// disabled. At capacity the oldest half is dropped and the event accepted:
// bounded memory wins over completeness for clients that never authenticate.
func (b *Buffer) Add(ev protocol.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return false
	}

	if len(b.events) >= b.capacity {
		keep := b.capacity / 2
		copy(b.events, b.events[len(b.events)-keep:])
		b.events = b.events[:keep]
	}

	b.events = append(b.events, ev)
	return true
}

// Flush returns all buffered events in arrival order, clears the buffer, and
// permanently disables further buffering. Call exactly once, at the moment
// the connection becomes authenticated.
func (b *Buffer) Flush() []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.events
	b.events = nil
	b.enabled = false
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Enabled reports whether the buffer still accepts events.
func (b *Buffer) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// Clear drops all buffered events without disabling the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
