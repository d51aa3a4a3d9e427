package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate-io/agentgate/internal/connection"
	"github.com/agentgate-io/agentgate/pkg/protocol"
)

const (
	// wsPingInterval is how often the server sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS is the WebSocket endpoint. Authentication happens before the
// upgrade; the resulting connection handler owns all event traffic for the
// socket until it disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Token from query param or Authorization header. Browsers cannot set
	// custom headers during the WebSocket handshake, so the query param path
	// is required; keep tokens out of access logs.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = r.Header.Get("Authorization")
		if strings.HasPrefix(tokenStr, "Bearer ") {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.router.UserConnectionCount(identity.UserID) >= s.maxConnsPerUser {
		s.logger.Warn("too many WebSocket connections for user",
			"user", identity.Username, "limit", s.maxConnsPerUser)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(s.maxMessageBytes)

	transport := connection.NewWSTransport(conn)
	h := connection.NewHandler(identity.UserID, transport, s.router, s.logger, s.bufferCapacity)
	defer h.Cleanup()

	threadID := r.URL.Query().Get("thread_id")
	sessionID := r.URL.Query().Get("session_id")
	if !h.Authenticate(threadID, sessionID) {
		s.logger.Warn("connection authentication failed",
			"user", identity.Username, "connection_id", h.ConnectionID())
		return
	}

	cancelKeepalive := s.startKeepalive(conn, transport)
	defer cancelKeepalive()

	s.logger.Info("client connected",
		"user", identity.Username, "connection_id", h.ConnectionID())

	s.readLoop(conn, h)

	s.logger.Info("client disconnected",
		"user", identity.Username, "connection_id", h.ConnectionID())
}

// readLoop pumps incoming messages through the handler until the socket
// closes. Responses from the handler go back through the handler's own send
// path so recipient validation applies uniformly.
func (s *Server) readLoop(conn *websocket.Conn, h *connection.Handler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error",
					"connection_id", h.ConnectionID(), "error", err)
			}
			return
		}

		var msg protocol.IncomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("malformed client message",
				"connection_id", h.ConnectionID(), "error", err)
			continue
		}

		if resp := h.HandleIncoming(msg); resp != nil {
			h.SendEvent(*resp)
		}
	}
}

// startKeepalive sets up WebSocket-level ping/pong: a read deadline refreshed
// by pongs and a goroutine that sends periodic pings through the transport's
// write mutex. The returned cancel stops the ping goroutine.
func (s *Server) startKeepalive(conn *websocket.Conn, t *connection.WSTransport) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.Ping(time.Now().Add(10 * time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
