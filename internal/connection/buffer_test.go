package connection

import (
	"fmt"
	"testing"

	"github.com/agentgate-io/agentgate/pkg/protocol"
)

func eventN(n int) protocol.Event {
	return protocol.Event{Type: protocol.TypeProgress, Payload: map[string]any{"n": n}}
}

func TestBufferOrder(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 5; i++ {
		if !b.Add(eventN(i)) {
			t.Fatalf("Add(%d) rejected", i)
		}
	}
	if b.Len() != 5 {
		t.Fatalf("Len: got %d, want 5", b.Len())
	}

	out := b.Flush()
	if len(out) != 5 {
		t.Fatalf("Flush: got %d events, want 5", len(out))
	}
	for i, ev := range out {
		if got := ev.Payload["n"].(int); got != i {
			t.Errorf("event %d: got payload n=%d, want %d", i, got, i)
		}
	}
}

func TestBufferOverflowDropsOldestHalf(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 10; i++ {
		b.Add(eventN(i))
	}

	// 11th event: oldest half dropped, new event accepted.
	if !b.Add(eventN(10)) {
		t.Fatal("Add at capacity rejected")
	}
	if b.Len() != 6 {
		t.Fatalf("Len after overflow: got %d, want 6", b.Len())
	}

	out := b.Flush()
	want := []int{5, 6, 7, 8, 9, 10}
	for i, ev := range out {
		if got := ev.Payload["n"].(int); got != want[i] {
			t.Errorf("event %d: got n=%d, want %d", i, got, want[i])
		}
	}
}

func TestBufferDisabledAfterFlush(t *testing.T) {
	b := NewBuffer(10)
	b.Add(eventN(0))
	b.Flush()

	if b.Enabled() {
		t.Error("buffer still enabled after flush")
	}
	if b.Add(eventN(1)) {
		t.Error("Add accepted after flush")
	}
	if out := b.Flush(); len(out) != 0 {
		t.Errorf("second flush returned %d events, want 0", len(out))
	}
}

func TestBufferDefaultCapacity(t *testing.T) {
	b := NewBuffer(0)
	for i := 0; i < DefaultBufferCapacity; i++ {
		if !b.Add(eventN(i)) {
			t.Fatalf("Add(%d) rejected", i)
		}
	}
	if b.Len() != DefaultBufferCapacity {
		t.Fatalf("Len: got %d, want %d", b.Len(), DefaultBufferCapacity)
	}
}

func TestBufferConcurrentAdd(t *testing.T) {
	b := NewBuffer(1000)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				b.Add(protocol.Event{Type: fmt.Sprintf("g%d", g)})
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	if b.Len() != 400 {
		t.Errorf("Len: got %d, want 400", b.Len())
	}
}
