package connection

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// fakeTransport records everything written to it and can be told to fail.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []protocol.Event
	fail   bool
	closed bool
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

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) sentEvents() []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Event, len(t.sent))
	copy(out, t.sent)
	return out
}

// fakeRegistrar tracks registration calls and can reject them.
type fakeRegistrar struct {
	mu           sync.Mutex
	registered   map[string]string // connectionID -> userID
	unregistered []string
	touched      []string
	rejectNext   bool
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: make(map[string]string)}
}

func (r *fakeRegistrar) RegisterConnection(h *Handler, userID, connectionID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejectNext {
		r.rejectNext = false
		return errors.New("registration rejected")
	}
	r.registered[connectionID] = userID
	return nil
}

func (r *fakeRegistrar) UnregisterConnection(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[connectionID]
	delete(r.registered, connectionID)
	r.unregistered = append(r.unregistered, connectionID)
	return ok
}

func (r *fakeRegistrar) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, connectionID)
}

func (r *fakeRegistrar) touchedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.touched))
	copy(out, r.touched)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, userID string) (*Handler, *fakeTransport, *fakeRegistrar) {
	t.Helper()
	tr := &fakeTransport{}
	reg := newFakeRegistrar()
	h := NewHandler(userID, tr, reg, testLogger(), 10)
	return h, tr, reg
}

func TestSendEventBuffersBeforeAuth(t *testing.T) {
	h, tr, _ := newTestHandler(t, "alice")

	if !h.SendEvent(protocol.Event{Type: protocol.TypeAgentStarted}) {
		t.Fatal("pre-auth SendEvent rejected")
	}
	if got := len(tr.sentEvents()); got != 0 {
		t.Fatalf("transport got %d events before auth, want 0", got)
	}
	if got := h.Stats().Buffered; got != 1 {
		t.Fatalf("Buffered: got %d, want 1", got)
	}
}

func TestAuthenticateFlushesBufferInOrder(t *testing.T) {
	h, tr, reg := newTestHandler(t, "alice")

	for i := 0; i < 3; i++ {
		h.SendEvent(protocol.Event{Type: protocol.TypeProgress, Payload: map[string]any{"n": i}})
	}

	if !h.Authenticate("thread-1", "sess-1") {
		t.Fatal("Authenticate failed")
	}
	if reg.registered[h.ConnectionID()] != "alice" {
		t.Error("connection not registered for alice")
	}

	sent := tr.sentEvents()
	if len(sent) != 3 {
		t.Fatalf("flushed %d events, want 3", len(sent))
	}
	for i, ev := range sent {
		if got := ev.Payload["n"].(int); got != i {
			t.Errorf("flush order: event %d has n=%d", i, got)
		}
		if ev.UserID != "alice" {
			t.Errorf("event %d: UserID %q, want alice", i, ev.UserID)
		}
		if ev.ConnectionID != h.ConnectionID() {
			t.Errorf("event %d: ConnectionID not stamped", i)
		}
	}
}

func TestAuthenticateFailsClosedOnRegistrationError(t *testing.T) {
	h, tr, reg := newTestHandler(t, "alice")
	reg.rejectNext = true

	h.SendEvent(protocol.Event{Type: protocol.TypeProgress})

	if h.Authenticate("thread-1", "") {
		t.Fatal("Authenticate succeeded despite registration failure")
	}
	if got := len(tr.sentEvents()); got != 0 {
		t.Errorf("buffer flushed despite failed auth: %d events", got)
	}
}

func TestReauthenticateDoesNotReflush(t *testing.T) {
	h, tr, _ := newTestHandler(t, "alice")
	h.SendEvent(protocol.Event{Type: protocol.TypeProgress})

	if !h.Authenticate("thread-1", "") {
		t.Fatal("first Authenticate failed")
	}
	if !h.Authenticate("thread-1", "") {
		t.Fatal("second Authenticate failed")
	}
	if got := len(tr.sentEvents()); got != 1 {
		t.Errorf("got %d events after double auth, want 1", got)
	}
}

func TestSendEventRejectsWrongUser(t *testing.T) {
	h, tr, _ := newTestHandler(t, "alice")
	h.Authenticate("", "")

	if h.SendEvent(protocol.Event{Type: protocol.TypeProgress, UserID: "bob"}) {
		t.Fatal("event for bob delivered to alice's connection")
	}
	if got := len(tr.sentEvents()); got != 0 {
		t.Fatalf("transport got %d events, want 0", got)
	}
	if got := h.Stats().EventsFiltered; got != 1 {
		t.Errorf("EventsFiltered: got %d, want 1", got)
	}
}

func TestSendEventRejectsWrongThread(t *testing.T) {
	h, _, _ := newTestHandler(t, "alice")
	h.Authenticate("thread-1", "")

	if h.SendEvent(protocol.Event{Type: protocol.TypeProgress, ThreadID: "thread-2"}) {
		t.Fatal("event for thread-2 delivered to thread-1 connection")
	}
	if h.SendEvent(protocol.Event{Type: protocol.TypeProgress, ThreadID: "thread-1"}) == false {
		t.Fatal("event for bound thread rejected")
	}
}

func TestSendEventTransportFailure(t *testing.T) {
	h, tr, _ := newTestHandler(t, "alice")
	h.Authenticate("", "")
	tr.fail = true

	if h.SendEvent(protocol.Event{Type: protocol.TypeProgress}) {
		t.Fatal("SendEvent reported success despite transport failure")
	}
}

func TestHandleIncomingRejectsUnauthenticated(t *testing.T) {
	h, _, _ := newTestHandler(t, "alice")

	resp := h.HandleIncoming(protocol.IncomingMessage{Type: protocol.TypePing})
	if resp == nil || resp.Type != protocol.TypeError {
		t.Fatalf("got %+v, want error event", resp)
	}
	if resp.Payload["code"] != "not_authenticated" {
		t.Errorf("error code: got %v, want not_authenticated", resp.Payload["code"])
	}
}

func TestHandleIncomingUserMismatch(t *testing.T) {
	h, _, _ := newTestHandler(t, "alice")
	h.Authenticate("", "")

	resp := h.HandleIncoming(protocol.IncomingMessage{Type: protocol.TypePing, UserID: "bob"})
	if resp == nil || resp.Type != protocol.TypeError {
		t.Fatalf("got %+v, want error event", resp)
	}
	if got := h.Stats().EventsFiltered; got != 1 {
		t.Errorf("EventsFiltered: got %d, want 1", got)
	}
}

func TestHandleIncomingJoinThread(t *testing.T) {
	h, _, reg := newTestHandler(t, "alice")
	h.Authenticate("", "")

	resp := h.HandleIncoming(protocol.IncomingMessage{
		Type:    protocol.TypeJoinThread,
		Payload: map[string]any{"thread_id": "thread-9"},
	})
	if resp == nil || resp.Type != protocol.TypeThreadJoined {
		t.Fatalf("got %+v, want thread_joined", resp)
	}
	if resp.Payload["thread_id"] != "thread-9" || resp.Payload["connection_id"] != h.ConnectionID() {
		t.Errorf("ack payload: got %v", resp.Payload)
	}
	if h.ThreadID() != "thread-9" {
		t.Errorf("ThreadID: got %q, want thread-9", h.ThreadID())
	}
	if reg.registered[h.ConnectionID()] != "alice" {
		t.Error("connection not re-registered after join")
	}
}

func TestHandleIncomingPing(t *testing.T) {
	h, _, _ := newTestHandler(t, "alice")
	h.Authenticate("", "")

	resp := h.HandleIncoming(protocol.IncomingMessage{Type: protocol.TypePing})
	if resp == nil || resp.Type != protocol.TypePong {
		t.Fatalf("got %+v, want pong", resp)
	}
}

func TestHandleIncomingRefreshesRouterActivity(t *testing.T) {
	h, _, reg := newTestHandler(t, "alice")
	h.Authenticate("", "")

	h.HandleIncoming(protocol.IncomingMessage{Type: protocol.TypePing})

	touched := reg.touchedIDs()
	if len(touched) != 1 || touched[0] != h.ConnectionID() {
		t.Fatalf("registrar touched %v, want [%s]", touched, h.ConnectionID())
	}
}

func TestCleanupClosesTransport(t *testing.T) {
	h, tr, _ := newTestHandler(t, "alice")
	h.Authenticate("", "")

	h.Cleanup()

	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("transport left open after cleanup")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	h, _, reg := newTestHandler(t, "alice")
	h.Authenticate("", "")

	h.Cleanup()
	h.Cleanup()
	h.Cleanup()

	if got := len(reg.unregistered); got != 1 {
		t.Fatalf("unregistered %d times, want 1", got)
	}
	if h.SendEvent(protocol.Event{Type: protocol.TypeProgress}) {
		t.Error("SendEvent accepted after cleanup")
	}
	if h.HandleIncoming(protocol.IncomingMessage{Type: protocol.TypePing}) != nil {
		t.Error("HandleIncoming responded after cleanup")
	}
}

// gatedTransport blocks its first write until released so the auth flush can
// be held open while another goroutine races SendEvent against it.
type gatedTransport struct {
	fakeTransport
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (t *gatedTransport) SendJSON(v any) error {
	t.once.Do(func() {
		close(t.started)
		<-t.release
	})
	return t.fakeTransport.SendJSON(v)
}

func TestSendEventWaitsForAuthFlush(t *testing.T) {
	tr := &gatedTransport{started: make(chan struct{}), release: make(chan struct{})}
	reg := newFakeRegistrar()
	h := NewHandler("alice", tr, reg, testLogger(), 10)

	for i := 0; i < 2; i++ {
		h.SendEvent(protocol.Event{Type: protocol.TypeProgress, Payload: map[string]any{"n": i}})
	}

	authDone := make(chan bool)
	go func() { authDone <- h.Authenticate("", "") }()
	<-tr.started // flush is mid-write

	sendDone := make(chan bool)
	go func() {
		sendDone <- h.SendEvent(protocol.Event{Type: protocol.TypeProgress, Payload: map[string]any{"n": 2}})
	}()

	// Let the racing send reach the handler before the flush resumes.
	time.Sleep(20 * time.Millisecond)
	close(tr.release)

	if !<-authDone {
		t.Fatal("Authenticate failed")
	}
	if !<-sendDone {
		t.Fatal("event sent during the flush was dropped")
	}

	sent := tr.sentEvents()
	if len(sent) != 3 {
		t.Fatalf("transport got %d events, want 3", len(sent))
	}
	for i, ev := range sent {
		if got := ev.Payload["n"].(int); got != i {
			t.Errorf("delivery order: event %d has n=%d", i, got)
		}
	}
}

func TestRefreshIDChangesConnectionID(t *testing.T) {
	h, _, _ := newTestHandler(t, "alice")
	old := h.ConnectionID()
	fresh := h.RefreshID()
	if fresh == old {
		t.Fatal("RefreshID returned the old ID")
	}
	if h.ConnectionID() != fresh {
		t.Error("ConnectionID does not reflect refreshed ID")
	}
}
