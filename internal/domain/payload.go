package domain

import (
	"encoding/json"
	"fmt"
)

// Event payloads form a tagged union keyed by EventType: one shape per tag.
// DecodeEventData is the only place the tag is mapped to a concrete type, so
// the projection engine never has to sniff untyped bags.

// StatusUpdatePayload is the payload for status_update events. Progress
// records during a running session carry Status == running plus a Detail
// and Round; transition records carry the new status.
type StatusUpdatePayload struct {
	Status SessionStatus `json:"status"`
	Detail string        `json:"detail,omitempty"`
	Round  int           `json:"round,omitempty"`
}

// ToolCallPayload is the payload for tool_call events.
type ToolCallPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload is the payload for tool_result events. Result is kept
// raw; tool-specific shapes (e.g. CreateAgentResult) are decoded by the
// consumer that knows the tool.
type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// CreateAgentResult is the Result shape produced by the create_agent tool.
type CreateAgentResult struct {
	AgentID       string `json:"agent_id"`
	Name          string `json:"name"`
	Specification string `json:"specification,omitempty"`
}

// ThinkingPayload is the payload for thinking events.
type ThinkingPayload struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	Content   string `json:"content"`
}

// DiscussionTurnPayload is the payload for discussion_turn events. Turns
// bucket into discussions keyed by (Topic, Style).
type DiscussionTurnPayload struct {
	Topic     string `json:"topic"`
	Style     string `json:"style"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	Message   string `json:"message"`
	Round     int    `json:"round"`
}

// MessagePayload is the payload for message events.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeEventData decodes raw event data into the payload struct for t.
// The write boundary uses it to reject malformed payloads; readers use it
// to get typed payloads without re-declaring the mapping.
func DecodeEventData(t EventType, data []byte) (any, error) {
	var (
		v   any
		err error
	)
	switch t {
	case EventTypeStatusUpdate:
		p := StatusUpdatePayload{}
		err = json.Unmarshal(data, &p)
		if err == nil && !p.Status.Valid() {
			err = fmt.Errorf("status_update carries unknown status %q", p.Status)
		}
		v = p
	case EventTypeToolCall:
		p := ToolCallPayload{}
		err = json.Unmarshal(data, &p)
		if err == nil && p.ToolCallID == "" {
			err = fmt.Errorf("tool_call missing tool_call_id")
		}
		v = p
	case EventTypeToolResult:
		p := ToolResultPayload{}
		err = json.Unmarshal(data, &p)
		if err == nil && p.ToolCallID == "" {
			err = fmt.Errorf("tool_result missing tool_call_id")
		}
		v = p
	case EventTypeThinking:
		p := ThinkingPayload{}
		err = json.Unmarshal(data, &p)
		v = p
	case EventTypeDiscussionTurn:
		p := DiscussionTurnPayload{}
		err = json.Unmarshal(data, &p)
		v = p
	case EventTypeMessage:
		p := MessagePayload{}
		err = json.Unmarshal(data, &p)
		v = p
	case EventTypeError:
		p := ErrorPayload{}
		err = json.Unmarshal(data, &p)
		v = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return v, nil
}
