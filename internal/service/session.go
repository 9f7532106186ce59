package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/store"
)

func newSessionID() string {
	return "ses_" + uuid.New().String()[:8]
}

func newTaskID() string {
	return "task_" + uuid.New().String()[:8]
}

// CreateSession inserts a new pending session for the owner.
func (s *Service) CreateSession(ctx context.Context, ownerID, threadID string) (*domain.Session, error) {
	session := &domain.Session{
		ID:        newSessionID(),
		OwnerID:   ownerID,
		ThreadID:  threadID,
		Status:    domain.SessionStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("session created", "session_id", session.ID, "owner_id", ownerID)
	return session, nil
}

// StartOrchestration creates a pending session and enqueues its task
// message in one go. This is the caller-facing entry point for kicking off
// a simulation, panel, discussion or analysis.
func (s *Service) StartOrchestration(ctx context.Context, ownerID, threadID string, taskType domain.TaskType, config json.RawMessage) (*domain.Session, error) {
	session, err := s.CreateSession(ctx, ownerID, threadID)
	if err != nil {
		return nil, err
	}

	task := &domain.TaskMessage{
		ID:        newTaskID(),
		SessionID: session.ID,
		Type:      taskType,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.EnqueueTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	s.logger.Info("task enqueued", "session_id", session.ID, "task_id", task.ID, "task_type", taskType)
	return session, nil
}

// GetSession retrieves a session scoped to its owner. Ownership is
// enforced at every read: someone else's session reads as ErrNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error) {
	return s.store.GetOwnedSession(ctx, sessionID, ownerID)
}

// LookupSession retrieves a session without owner scoping. Reserved for
// trusted internal callers (the task runner, the distributor); the
// caller-facing surface always goes through GetSession.
func (s *Service) LookupSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListSessions returns the owner's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, ownerID string, limit int) ([]domain.Session, error) {
	return s.store.ListSessions(ctx, ownerID, limit)
}

// SessionHistory returns a session with its event log, optionally resumed
// after a cursor event id and filtered by event type.
func (s *Service) SessionHistory(ctx context.Context, sessionID, ownerID, afterID string, types []string, limit int) (*domain.SessionWithEvents, error) {
	session, err := s.store.GetOwnedSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if _, err := domain.ParseEventType(t); err != nil {
			return nil, err
		}
	}
	events, err := s.store.ListEvents(ctx, sessionID, afterID, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return &domain.SessionWithEvents{Session: session, Events: events}, nil
}

// TransitionOpts carries the terminal fields a transition may set.
// FinalResponse and Error are mutually exclusive.
type TransitionOpts struct {
	FinalResponse string
	Error         string
	Detail        string
}

// Transition appends a status_update event and applies the registry
// transition atomically. Attempts to leave a terminal state come back as
// store.ErrInvalidTransition and are logged so a misbehaving worker stays
// observable; they are never silently dropped.
func (s *Service) Transition(ctx context.Context, sessionID string, to domain.SessionStatus, opts TransitionOpts) error {
	if opts.FinalResponse != "" && opts.Error != "" {
		return fmt.Errorf("final response and error are mutually exclusive")
	}

	now := time.Now().UTC()
	upd := store.SessionUpdate{}
	switch {
	case to == domain.SessionStatusRunning:
		upd.StartedAt = &now
	case to.Terminal():
		upd.CompletedAt = &now
		if opts.FinalResponse != "" {
			upd.FinalResponse = &opts.FinalResponse
		}
		if opts.Error != "" {
			upd.Error = &opts.Error
		}
	}

	ev, err := s.buildEvent(sessionID, domain.EventTypeStatusUpdate, domain.StatusUpdatePayload{
		Status: to,
		Detail: opts.Detail,
	}, nil)
	if err != nil {
		return err
	}

	if err := s.store.AppendEventAndTransition(ctx, ev, to, upd); err != nil {
		s.logger.Warn("session transition rejected",
			"session_id", sessionID, "to", to, "error", err)
		return err
	}

	s.broker.Publish(*ev)
	s.logger.Info("session transitioned", "session_id", sessionID, "to", to)
	return nil
}

// UpdateToolState replaces the session's orchestration-scoped context bag.
// Owned exclusively by the task runner.
func (s *Service) UpdateToolState(ctx context.Context, sessionID string, state map[string]string) error {
	return s.store.UpdateToolState(ctx, sessionID, state)
}
