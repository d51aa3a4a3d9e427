// Package store defines the persistence interface for the backend and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the persistence boundary: workflow run state, conversation
// threads, users for the builtin auth provider, and audit events.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Threads
	CreateThread(ctx context.Context, th *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreadsByUser(ctx context.Context, userID string) ([]Thread, error)

	// Workflow runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	SaveRunState(ctx context.Context, id string, state json.RawMessage) error
	GetRunState(ctx context.Context, id string) (json.RawMessage, error)
	ListRunsByUser(ctx context.Context, userID string, limit int) ([]Run, error)
	ListActiveRuns(ctx context.Context) ([]Run, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a principal for the builtin auth provider.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Thread is a logical conversation grouping.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is a workflow run record. State holds the JSON-encoded workflow state
// persisted after every step.
type Run struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	UserID    string          `json:"user_id"`
	Status    string          `json:"status"` // "pending", "running", "completed", "failed"
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID           string          `json:"id"`
	Action       string          `json:"action"`
	UserID       string          `json:"user_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// New creates a Store for the configured driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
