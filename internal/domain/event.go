package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType represents the type of an appended event.
type EventType string

const (
	EventTypeStatusUpdate   EventType = "status_update"
	EventTypeToolCall       EventType = "tool_call"
	EventTypeToolResult     EventType = "tool_result"
	EventTypeThinking       EventType = "thinking"
	EventTypeDiscussionTurn EventType = "discussion_turn"
	EventTypeMessage        EventType = "message"
	EventTypeError          EventType = "error"
)

// ErrInvalidEventType is returned when an event type outside the closed set
// reaches the write boundary.
var ErrInvalidEventType = errors.New("invalid event type")

// ParseEventType validates s against the closed event type set.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	return t, nil
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeStatusUpdate, EventTypeToolCall, EventTypeToolResult,
		EventTypeThinking, EventTypeDiscussionTurn, EventTypeMessage, EventTypeError:
		return true
	}
	return false
}

// Event is one immutable fact appended to a session's log. Events are never
// updated or deleted except as part of whole-session cleanup.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"event_type"`
	Data      json.RawMessage `json:"event_data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
