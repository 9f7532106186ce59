package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/convoke-ai/convoke/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize access; sqlite handles one writer at a time anyway and this
	// keeps the append/counter transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			thread_id TEXT,
			status TEXT NOT NULL,
			execution_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			final_response TEXT,
			error TEXT,
			tool_state TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, event_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			config TEXT,
			receive_count INTEGER NOT NULL DEFAULT 0,
			visible_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_visible ON tasks(visible_at, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	toolState := domain.MarshalToolState(session.ToolState)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, owner_id, thread_id, status, execution_count, error_count, tool_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OwnerID, nullable(session.ThreadID), string(session.Status),
		session.ExecutionCount, session.ErrorCount, nullableBytes(toolState), session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, owner_id, thread_id, status, execution_count, error_count,
	final_response, error, tool_state, created_at, started_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var (
		ses                  domain.Session
		threadID             sql.NullString
		finalResponse        sql.NullString
		errMsg               sql.NullString
		toolState            sql.NullString
		startedAt, completed sql.NullTime
	)
	err := row.Scan(&ses.ID, &ses.OwnerID, &threadID, &ses.Status, &ses.ExecutionCount,
		&ses.ErrorCount, &finalResponse, &errMsg, &toolState, &ses.CreatedAt, &startedAt, &completed)
	if err != nil {
		return nil, err
	}
	ses.ThreadID = threadID.String
	ses.FinalResponse = finalResponse.String
	ses.Error = errMsg.String
	if toolState.Valid && toolState.String != "" {
		if err := json.Unmarshal([]byte(toolState.String), &ses.ToolState); err != nil {
			return nil, fmt.Errorf("failed to decode tool state: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		ses.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		ses.CompletedAt = &t
	}
	return &ses, nil
}

// GetSession retrieves a session by ID regardless of owner. Used by the
// task runner and the distributor, which already hold a trusted session id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	ses, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return ses, nil
}

// GetOwnedSession retrieves a session scoped to its owner. A session owned
// by someone else is indistinguishable from a missing one.
func (s *SQLiteStore) GetOwnedSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ? AND owner_id = ?`,
		sessionID, ownerID)
	ses, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return ses, nil
}

// ListSessions returns the owner's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *ses)
	}
	return sessions, rows.Err()
}

// UpdateToolState replaces the session's tool state bag.
func (s *SQLiteStore) UpdateToolState(ctx context.Context, sessionID string, state map[string]string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tool_state = ? WHERE session_id = ?`,
		nullableBytes(domain.MarshalToolState(state)), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update tool state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// allowedFrom returns the statuses a session may be in for a transition to
// the given status to succeed.
func allowedFrom(to domain.SessionStatus) []domain.SessionStatus {
	switch to {
	case domain.SessionStatusRunning:
		return []domain.SessionStatus{domain.SessionStatusPending}
	case domain.SessionStatusCompleted:
		return []domain.SessionStatus{domain.SessionStatusRunning}
	case domain.SessionStatusFailed:
		// A session may fail before it ever starts, e.g. when its task
		// message exhausts the retry budget on credentials.
		return []domain.SessionStatus{domain.SessionStatusPending, domain.SessionStatusRunning}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) transitionTx(ctx context.Context, tx execer, sessionID string, to domain.SessionStatus, upd SessionUpdate) error {
	from := allowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: no path to %q", ErrInvalidTransition, to)
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, *upd.CompletedAt)
	}
	if upd.FinalResponse != nil {
		sets = append(sets, "final_response = COALESCE(final_response, ?)")
		args = append(args, *upd.FinalResponse)
	}
	if upd.Error != nil {
		sets = append(sets, "error = COALESCE(error, ?)")
		args = append(args, *upd.Error)
	}

	args = append(args, sessionID)
	placeholders := make([]string, len(from))
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}

	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE session_id = ? AND status IN (%s)`,
		strings.Join(sets, ", "), strings.Join(placeholders, ", "))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s cannot move to %q", ErrInvalidTransition, sessionID, to)
	}
	return nil
}

// TransitionSession applies a compare-and-set status update.
func (s *SQLiteStore) TransitionSession(ctx context.Context, sessionID string, to domain.SessionStatus, upd SessionUpdate) error {
	return s.transitionTx(ctx, s.db, sessionID, to, upd)
}

func insertEventTx(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	// The store owns the insertion timestamp.
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, event_type, event_data, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, string(event.Type),
		nullableBytes(event.Data), nullableBytes(event.Metadata), event.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	// Counter bump rides the same transaction so a dangling event can never
	// exist without its counter effect.
	var counter string
	switch event.Type {
	case domain.EventTypeToolCall:
		counter = "execution_count"
	case domain.EventTypeError:
		counter = "error_count"
	default:
		return nil
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s = %s + 1 WHERE session_id = ?`, counter, counter),
		event.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("counter update: %w", ErrNotFound)
	}
	return nil
}

// AppendEvent inserts an event and updates the owning session's counters
// atomically.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendEventAndTransition inserts a status_update event and applies the
// registry transition in one transaction. If the transition loses the CAS
// race the event insert rolls back with it.
func (s *SQLiteStore) AppendEventAndTransition(ctx context.Context, event *domain.Event, to domain.SessionStatus, upd SessionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := s.transitionTx(ctx, tx, event.SessionID, to, upd); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns a session's events in insertion order, optionally
// after a cursor event id and filtered by type.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterID string, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, session_id, event_type, event_data, metadata, created_at
		FROM events WHERE session_id = ?`
	args := []any{sessionID}

	if afterID != "" {
		query += ` AND event_id > ?`
		args = append(args, afterID)
	}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` AND event_type IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY event_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev             domain.Event
			data, metadata sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &data, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}
		if metadata.Valid {
			ev.Metadata = json.RawMessage(metadata.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EnqueueTask appends a task message to the queue, immediately visible.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, task *domain.TaskMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, session_id, task_type, config, receive_count, visible_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		task.ID, task.SessionID, string(task.Type), nullableBytes(task.Config),
		task.CreatedAt, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// ReceiveTasks takes up to max visible messages and hides them for the
// visibility window. Redelivery happens automatically when the window
// lapses without a DeleteTasks.
func (s *SQLiteStore) ReceiveTasks(ctx context.Context, max int, visibility time.Duration) ([]domain.TaskMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx,
		`SELECT task_id, session_id, task_type, config, receive_count, created_at
		 FROM tasks WHERE visible_at <= ? ORDER BY created_at ASC LIMIT ?`,
		now, max)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []domain.TaskMessage
	for rows.Next() {
		var (
			task   domain.TaskMessage
			config sql.NullString
		)
		if err := rows.Scan(&task.ID, &task.SessionID, &task.Type, &config, &task.ReceiveCount, &task.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if config.Valid {
			task.Config = json.RawMessage(config.String)
		}
		task.ReceiveCount++ // counts the delivery happening right now
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deadline := now.Add(visibility)
	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET visible_at = ?, receive_count = receive_count + 1 WHERE task_id = ?`,
			deadline, task.ID); err != nil {
			return nil, fmt.Errorf("failed to hide task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receive: %w", err)
	}
	return tasks, nil
}

// DeleteTasks acknowledges successfully processed messages.
func (s *SQLiteStore) DeleteTasks(ctx context.Context, taskIDs []string) error {
	return s.taskBatch(ctx, `DELETE FROM tasks WHERE task_id = ?`, nil, taskIDs)
}

// ReleaseTasks makes failed messages immediately visible for redelivery.
func (s *SQLiteStore) ReleaseTasks(ctx context.Context, taskIDs []string) error {
	return s.taskBatch(ctx, `UPDATE tasks SET visible_at = ? WHERE task_id = ?`,
		[]any{time.Now().UTC()}, taskIDs)
}

func (s *SQLiteStore) taskBatch(ctx context.Context, query string, args []any, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range taskIDs {
		if _, err := tx.ExecContext(ctx, query, append(args, id)...); err != nil {
			return fmt.Errorf("failed to update task %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
