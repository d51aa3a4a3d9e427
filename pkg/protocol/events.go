// Package protocol defines the wire contract between the AgentGate backend
// and connected UI clients over WebSocket.
//
// All messages are JSON-encoded events sharing a common envelope with a
// "type" field that determines the payload structure.
package protocol

import "time"

// Event is the top-level wire format for every message delivered to a client.
// ConnectionID and the canonical UserID are stamped by the connection handler
// at delivery time; producers only set Type, UserID (the intended recipient),
// optional ThreadID and the payload.
type Event struct {
	Type         string         `json:"type"`
	ID           string         `json:"id,omitempty"` // event ID for audit correlation
	UserID       string         `json:"user_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	Timestamp    time.Time      `json:"ts"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// --- Event type constants ---

const (
	// Workflow lifecycle (backend → client)
	TypeAgentStarted   = "agent_started"
	TypeAgentThinking  = "agent_thinking"
	TypeToolExecuting  = "tool_executing"
	TypeToolCompleted  = "tool_completed"
	TypeAgentCompleted = "agent_completed"
	TypeAgentError     = "agent_error"
	TypeProgress       = "progress"
	TypeSubAgentUpdate = "sub_agent_update"

	// Control flow
	TypeJoinThread   = "join_thread"   // client → backend: (re)bind a thread
	TypeThreadJoined = "thread_joined" // backend → client: bind acknowledged
	TypeError        = "error"         // backend → client: request rejected
	TypePing         = "ping"
	TypePong         = "pong"
)

// --- Client → backend messages ---

// IncomingMessage is the shape of messages read off a client WebSocket.
// UserID must match the identity bound at connect time; a mismatch is an
// isolation violation and is rejected.
type IncomingMessage struct {
	Type     string         `json:"type"`
	UserID   string         `json:"user_id,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Control payloads travel in the generic Payload map. A thread_joined ack
// carries thread_id and connection_id; an error carries code and message.
