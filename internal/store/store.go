// Package store defines the storage interface and the SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/convoke-ai/convoke/internal/domain"
)

// ErrNotFound is returned when a session does not exist or is not visible
// to the requesting owner. Ownership mismatches deliberately look identical
// to missing rows.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update loses the
// compare-and-set race or attempts to leave a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// SessionUpdate carries the fields a status transition may set. Each field
// is written at most once over a session's lifetime.
type SessionUpdate struct {
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FinalResponse *string
	Error         *string
}

// Store defines the persistence operations the engine needs: an ordered,
// durable, queryable append log with row-level filtering, plus a session
// registry with conditional status updates and a durable task queue.
type Store interface {
	// Session registry
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetOwnedSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error)
	ListSessions(ctx context.Context, ownerID string, limit int) ([]domain.Session, error)
	UpdateToolState(ctx context.Context, sessionID string, state map[string]string) error

	// TransitionSession applies a conditional status update: the row is
	// changed only if its current status permits the transition. Returns
	// ErrInvalidTransition when the condition does not hold.
	TransitionSession(ctx context.Context, sessionID string, to domain.SessionStatus, upd SessionUpdate) error

	// Event log. AppendEvent inserts the event and bumps the owning
	// session's counters in one transaction. AppendEventAndTransition
	// additionally applies a conditional status update in that same
	// transaction, so a status_update event and its registry transition
	// are atomic.
	AppendEvent(ctx context.Context, event *domain.Event) error
	AppendEventAndTransition(ctx context.Context, event *domain.Event, to domain.SessionStatus, upd SessionUpdate) error
	ListEvents(ctx context.Context, sessionID string, afterID string, types []string, limit int) ([]domain.Event, error)

	// Task queue, at-least-once. ReceiveTasks hides received messages for
	// the visibility window; DeleteTasks acknowledges successes;
	// ReleaseTasks makes failed messages immediately visible again.
	EnqueueTask(ctx context.Context, task *domain.TaskMessage) error
	ReceiveTasks(ctx context.Context, max int, visibility time.Duration) ([]domain.TaskMessage, error)
	DeleteTasks(ctx context.Context, taskIDs []string) error
	ReleaseTasks(ctx context.Context, taskIDs []string) error

	Close() error
}
