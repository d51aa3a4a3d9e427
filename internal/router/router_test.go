package router

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentgate-io/agentgate/internal/connection"
	"github.com/agentgate-io/agentgate/pkg/protocol"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []protocol.Event
	fail bool
}

func (t *fakeTransport) SendJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("write failed")
	}
	if ev, ok := v.(protocol.Event); ok {
		t.sent = append(t.sent, ev)
	}
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) sentEvents() []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Event, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// connect creates an authenticated handler registered with the router.
func connect(t *testing.T, r *EventRouter, userID, threadID string) (*connection.Handler, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	h := connection.NewHandler(userID, tr, r, testLogger(), 10)
	if !h.Authenticate(threadID, "") {
		t.Fatalf("Authenticate failed for %s", userID)
	}
	return h, tr
}

func TestRouteEventDelivers(t *testing.T) {
	r := New(testLogger(), Options{})
	h, tr := connect(t, r, "alice", "")

	if !r.RouteEvent("alice", h.ConnectionID(), protocol.Event{Type: protocol.TypeAgentStarted}) {
		t.Fatal("RouteEvent failed")
	}
	sent := tr.sentEvents()
	if len(sent) != 1 || sent[0].Type != protocol.TypeAgentStarted {
		t.Fatalf("transport got %v", sent)
	}
}

func TestRouteEventUnknownConnection(t *testing.T) {
	r := New(testLogger(), Options{})

	if r.RouteEvent("alice", "no-such-conn", protocol.Event{Type: protocol.TypeProgress}) {
		t.Fatal("RouteEvent succeeded for unknown connection")
	}
	if err := r.DeliverEvent("alice", "no-such-conn", protocol.Event{}); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("DeliverEvent: got %v, want ErrUnknownConnection", err)
	}
}

func TestRouteEventUserIsolation(t *testing.T) {
	r := New(testLogger(), Options{})
	alice, aliceTr := connect(t, r, "alice", "")
	bob, bobTr := connect(t, r, "bob", "")

	// Bob's event must never reach alice's connection, and vice versa.
	if r.RouteEvent("bob", alice.ConnectionID(), protocol.Event{Type: protocol.TypeProgress, UserID: "bob"}) {
		t.Fatal("bob's event routed to alice's connection")
	}
	if err := r.DeliverEvent("bob", alice.ConnectionID(), protocol.Event{}); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("DeliverEvent: got %v, want ErrUserMismatch", err)
	}

	if !r.RouteEvent("alice", alice.ConnectionID(), protocol.Event{Type: protocol.TypeProgress, UserID: "alice"}) {
		t.Fatal("alice's own event rejected")
	}
	if !r.RouteEvent("bob", bob.ConnectionID(), protocol.Event{Type: protocol.TypeProgress, UserID: "bob"}) {
		t.Fatal("bob's own event rejected")
	}

	for _, ev := range aliceTr.sentEvents() {
		if ev.UserID != "alice" {
			t.Errorf("alice's transport saw event for %q", ev.UserID)
		}
	}
	for _, ev := range bobTr.sentEvents() {
		if ev.UserID != "bob" {
			t.Errorf("bob's transport saw event for %q", ev.UserID)
		}
	}
}

func TestRouteEventTransportFailure(t *testing.T) {
	r := New(testLogger(), Options{})
	h, tr := connect(t, r, "alice", "")
	tr.setFail(true)

	if err := r.DeliverEvent("alice", h.ConnectionID(), protocol.Event{Type: protocol.TypeProgress}); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("DeliverEvent: got %v, want ErrDeliveryFailed", err)
	}
}

func TestRegisterConnectionValidatesOwnership(t *testing.T) {
	r := New(testLogger(), Options{})
	tr := &fakeTransport{}
	h := connection.NewHandler("alice", tr, r, testLogger(), 10)

	if err := r.RegisterConnection(h, "bob", h.ConnectionID(), ""); err == nil {
		t.Fatal("registered alice's handler under bob")
	}
	if err := r.RegisterConnection(nil, "alice", "conn-x", ""); err == nil {
		t.Fatal("registered nil handler")
	}
	if err := r.RegisterConnection(h, "", h.ConnectionID(), ""); err == nil {
		t.Fatal("registered with empty user ID")
	}
}

func TestBroadcastToUser(t *testing.T) {
	r := New(testLogger(), Options{})
	_, tr1 := connect(t, r, "alice", "")
	_, tr2 := connect(t, r, "alice", "")
	_, bobTr := connect(t, r, "bob", "")

	n := r.BroadcastToUser("alice", protocol.Event{Type: protocol.TypeAgentCompleted})
	if n != 2 {
		t.Fatalf("BroadcastToUser delivered to %d connections, want 2", n)
	}
	if len(tr1.sentEvents()) != 1 || len(tr2.sentEvents()) != 1 {
		t.Error("not all of alice's connections got the event")
	}
	if len(bobTr.sentEvents()) != 0 {
		t.Error("broadcast leaked to bob")
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	r := New(testLogger(), Options{})
	_, tr1 := connect(t, r, "alice", "")
	_, tr2 := connect(t, r, "alice", "")
	tr1.setFail(true)

	n := r.BroadcastToUser("alice", protocol.Event{Type: protocol.TypeProgress})
	if n != 1 {
		t.Fatalf("BroadcastToUser: got %d deliveries, want 1", n)
	}
	if len(tr2.sentEvents()) != 1 {
		t.Error("healthy connection did not receive the event")
	}
}

func TestUnregisterConnection(t *testing.T) {
	r := New(testLogger(), Options{})
	h, _ := connect(t, r, "alice", "")

	if !r.UnregisterConnection(h.ConnectionID()) {
		t.Fatal("Unregister failed")
	}
	if r.UnregisterConnection(h.ConnectionID()) {
		t.Fatal("second Unregister reported removal")
	}
	if r.RouteEvent("alice", h.ConnectionID(), protocol.Event{}) {
		t.Fatal("routed to unregistered connection")
	}
	if r.UserConnectionCount("alice") != 0 {
		t.Error("alice still has connections")
	}
}

func TestReassignConnection(t *testing.T) {
	r := New(testLogger(), Options{})
	h, tr := connect(t, r, "alice", "thread-1")
	oldID := h.ConnectionID()

	newID, ok := r.ReassignConnection(oldID)
	if !ok {
		t.Fatal("ReassignConnection failed")
	}
	if newID == oldID {
		t.Fatal("reassign kept the old ID")
	}

	if r.HasConnection(oldID) {
		t.Error("old connection ID still registered")
	}
	if !r.RouteEvent("alice", newID, protocol.Event{Type: protocol.TypeProgress}) {
		t.Fatal("route to reassigned connection failed")
	}
	if len(tr.sentEvents()) != 1 {
		t.Error("transport did not receive event after reassign")
	}
}

func TestReassignUnknownConnection(t *testing.T) {
	r := New(testLogger(), Options{})
	if _, ok := r.ReassignConnection("ghost"); ok {
		t.Fatal("reassigned a connection that does not exist")
	}
}

func TestCleanupStaleConnections(t *testing.T) {
	r := New(testLogger(), Options{StaleThreshold: time.Minute})
	h1, _ := connect(t, r, "alice", "")
	h2, _ := connect(t, r, "alice", "")

	r.backdateConnection(h1.ConnectionID(), time.Now().Add(-time.Hour))

	removed := r.CleanupStaleConnections()
	if removed != 1 {
		t.Fatalf("swept %d connections, want 1", removed)
	}
	if r.HasConnection(h1.ConnectionID()) {
		t.Error("stale connection still registered")
	}
	if !r.HasConnection(h2.ConnectionID()) {
		t.Error("fresh connection was swept")
	}
}

func TestActivityPreventsSweep(t *testing.T) {
	r := New(testLogger(), Options{StaleThreshold: time.Minute})
	h, _ := connect(t, r, "alice", "")

	r.backdateConnection(h.ConnectionID(), time.Now().Add(-time.Hour))

	// A successful route refreshes activity.
	if !r.RouteEvent("alice", h.ConnectionID(), protocol.Event{Type: protocol.TypeProgress}) {
		t.Fatal("RouteEvent failed")
	}

	if removed := r.CleanupStaleConnections(); removed != 0 {
		t.Fatalf("swept %d connections after activity, want 0", removed)
	}
}

func TestIncomingActivityPreventsSweep(t *testing.T) {
	r := New(testLogger(), Options{StaleThreshold: time.Minute})
	h, tr := connect(t, r, "alice", "")

	r.backdateConnection(h.ConnectionID(), time.Now().Add(-time.Hour))

	// A client message refreshes the table's activity clock even when nothing
	// has been routed outbound since registration.
	if resp := h.HandleIncoming(protocol.IncomingMessage{Type: protocol.TypePing}); resp == nil {
		t.Fatal("ping got no response")
	}

	if removed := r.CleanupStaleConnections(); removed != 0 {
		t.Fatalf("swept %d connections after incoming activity, want 0", removed)
	}
	if !r.RouteEvent("alice", h.ConnectionID(), protocol.Event{Type: protocol.TypeProgress}) {
		t.Fatal("route failed for a live, receiving connection")
	}
	if len(tr.sentEvents()) != 1 {
		t.Error("transport did not receive the event")
	}
}

func TestConcurrentRoutingNoLeak(t *testing.T) {
	r := New(testLogger(), Options{})
	alice, aliceTr := connect(t, r, "alice", "")
	bob, bobTr := connect(t, r, "bob", "")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.RouteEvent("alice", alice.ConnectionID(), protocol.Event{Type: protocol.TypeProgress, UserID: "alice"})
				r.RouteEvent("bob", bob.ConnectionID(), protocol.Event{Type: protocol.TypeProgress, UserID: "bob"})
				// Cross-user attempts must always fail.
				if r.RouteEvent("alice", bob.ConnectionID(), protocol.Event{UserID: "alice"}) {
					t.Error("cross-user route succeeded")
				}
			}
		}(g)
	}
	wg.Wait()

	for _, ev := range aliceTr.sentEvents() {
		if ev.UserID != "alice" {
			t.Fatalf("alice received event for %q", ev.UserID)
		}
	}
	for _, ev := range bobTr.sentEvents() {
		if ev.UserID != "bob" {
			t.Fatalf("bob received event for %q", ev.UserID)
		}
	}
}
