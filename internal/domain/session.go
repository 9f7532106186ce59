// Package domain defines the core domain models for convoke.
package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the status of an orchestration session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// Valid reports whether s is a member of the closed status set.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusRunning, SessionStatusCompleted, SessionStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// pending -> running -> completed | failed; pending may also fail directly
// when its task never starts. Terminal states accept nothing.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusPending:
		return next == SessionStatusRunning || next == SessionStatusFailed
	case SessionStatusRunning:
		return next == SessionStatusCompleted || next == SessionStatusFailed
	}
	return false
}

// Session represents one orchestration run and its terminal outcome.
type Session struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Status         SessionStatus     `json:"status"`
	ExecutionCount int               `json:"execution_count"`
	ErrorCount     int               `json:"error_count"`
	FinalResponse  string            `json:"final_response,omitempty"`
	Error          string            `json:"error,omitempty"`
	ToolState      map[string]string `json:"tool_state,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// SessionWithEvents is a session bundled with its full event history.
type SessionWithEvents struct {
	Session *Session `json:"session"`
	Events  []Event  `json:"events"`
}

// MarshalToolState encodes the tool state bag for storage.
func MarshalToolState(state map[string]string) json.RawMessage {
	if len(state) == 0 {
		return nil
	}
	b, _ := json.Marshal(state)
	return b
}
