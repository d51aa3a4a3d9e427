package connection

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the bidirectional message channel a Handler writes to. The
// handler is the only component that invokes it.
type Transport interface {
	// SendJSON writes one JSON message. Returns an error on write failure.
	SendJSON(v any) error

	// Close closes the underlying connection.
	Close() error
}

// WSTransport adapts a gorilla WebSocket connection to Transport. Writes are
// serialized with a mutex since gorilla connections allow only one concurrent
// writer.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport wraps an upgraded WebSocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// SendJSON writes v as a single JSON text message.
func (t *WSTransport) SendJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

// Ping sends a WebSocket ping control frame. Shares the write mutex with
// SendJSON since gorilla allows only one concurrent writer.
func (t *WSTransport) Ping(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close closes the WebSocket connection.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}
