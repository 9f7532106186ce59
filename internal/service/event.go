package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/convoke-ai/convoke/internal/domain"
)

// Event ids are ULIDs so lexicographic order matches creation order and
// replay-from-event-id is a plain range scan.
func newEventID() string {
	return "evt_" + ulid.Make().String()
}

func (s *Service) buildEvent(sessionID string, t domain.EventType, payload any, metadata json.RawMessage) (*domain.Event, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidEventType, t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	// Round-trip through the tagged union so a malformed payload is caught
	// at the write boundary, not when a projection chokes on it later.
	if _, err := domain.DecodeEventData(t, data); err != nil {
		return nil, err
	}
	// CreatedAt is left zero; the store assigns it at insert.
	return &domain.Event{
		ID:        newEventID(),
		SessionID: sessionID,
		Type:      t,
		Data:      data,
		Metadata:  metadata,
	}, nil
}

// Append validates, stores and distributes one event. The event insert and
// the session counter update are a single transaction in the store. Returns
// the assigned event id.
func (s *Service) Append(ctx context.Context, sessionID string, t domain.EventType, payload any, metadata json.RawMessage) (string, error) {
	ev, err := s.buildEvent(sessionID, t, payload, metadata)
	if err != nil {
		return "", err
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	s.broker.Publish(*ev)
	return ev.ID, nil
}

// Progress appends a status_update event carrying a running-status progress
// record (e.g. one per simulation round) without touching the registry.
func (s *Service) Progress(ctx context.Context, sessionID, detail string, round int) error {
	_, err := s.Append(ctx, sessionID, domain.EventTypeStatusUpdate, domain.StatusUpdatePayload{
		Status: domain.SessionStatusRunning,
		Detail: detail,
		Round:  round,
	}, nil)
	return err
}

// WatchEvents streams a session's events in id order: stored history after
// the cursor, then new events as they land. Live deliveries come from the
// in-process feed when the writer shares the process; a store poll at the
// given interval picks up events written by other processes, so a serve
// process still observes a separate worker's appends. The channel closes
// when ctx is cancelled.
func (s *Service) WatchEvents(ctx context.Context, sessionID, afterID string, poll time.Duration) <-chan domain.Event {
	sub := s.broker.Subscribe(sessionID, 0)
	out := make(chan domain.Event, 64)

	go func() {
		defer close(out)
		defer sub.Close()

		cursor := afterID
		emit := func(ev domain.Event) bool {
			// ULID ids make "already delivered" a string comparison.
			if ev.ID <= cursor {
				return true
			}
			cursor = ev.ID
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		flush := func() bool {
			events, err := s.store.ListEvents(ctx, sessionID, cursor, nil, 0)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				s.logger.Error("failed to poll events", "session_id", sessionID, "error", err)
				return true
			}
			for _, ev := range events {
				if !emit(ev) {
					return false
				}
			}
			return true
		}

		if !flush() {
			return
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		live := sub.C
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					// Dropped as a slow subscriber; the poll still covers us.
					live = nil
					continue
				}
				if !emit(ev) {
					return
				}
			case <-ticker.C:
				if !flush() {
					return
				}
			}
		}
	}()
	return out
}
