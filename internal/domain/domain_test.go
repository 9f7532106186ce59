package domain

import (
	"errors"
	"testing"
)

func TestSessionStatusMachine(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionStatusPending, SessionStatusRunning, true},
		{SessionStatusPending, SessionStatusFailed, true},
		{SessionStatusPending, SessionStatusCompleted, false},
		{SessionStatusRunning, SessionStatusCompleted, true},
		{SessionStatusRunning, SessionStatusFailed, true},
		{SessionStatusRunning, SessionStatusPending, false},
		{SessionStatusCompleted, SessionStatusFailed, false},
		{SessionStatusFailed, SessionStatusRunning, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}

	if SessionStatusRunning.Terminal() {
		t.Errorf("running must not be terminal")
	}
	if !SessionStatusCompleted.Terminal() || !SessionStatusFailed.Terminal() {
		t.Errorf("completed and failed must be terminal")
	}
}

func TestParseEventType(t *testing.T) {
	for _, raw := range []string{"status_update", "tool_call", "tool_result", "thinking", "discussion_turn", "message", "error"} {
		if _, err := ParseEventType(raw); err != nil {
			t.Errorf("ParseEventType(%q) failed: %v", raw, err)
		}
	}
	if _, err := ParseEventType("telemetry"); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("expected ErrInvalidEventType, got %v", err)
	}
}

func TestParseTaskType(t *testing.T) {
	for _, raw := range []string{"simulation", "panel", "discussion", "analysis"} {
		if _, err := ParseTaskType(raw); err != nil {
			t.Errorf("ParseTaskType(%q) failed: %v", raw, err)
		}
	}
	if _, err := ParseTaskType("juggling"); err == nil {
		t.Errorf("expected error for unknown task type")
	}
}

func TestDecodeEventData(t *testing.T) {
	payload, err := DecodeEventData(EventTypeStatusUpdate, []byte(`{"status":"running","detail":"round 1"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	update, ok := payload.(StatusUpdatePayload)
	if !ok || update.Status != SessionStatusRunning || update.Detail != "round 1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if _, err := DecodeEventData(EventTypeStatusUpdate, []byte(`{"status":"limbo"}`)); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
	if _, err := DecodeEventData(EventTypeToolCall, []byte(`{"tool":"create_agent"}`)); err == nil {
		t.Fatalf("expected missing tool_call_id to be rejected")
	}
	if _, err := DecodeEventData("bogus", []byte(`{}`)); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}
