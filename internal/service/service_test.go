package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/store"
	"github.com/convoke-ai/convoke/internal/stream"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, stream.NewBroker(logger), logger)
}

func TestStartOrchestration(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	session, err := svc.StartOrchestration(ctx, "u1", "", domain.TaskTypeAnalysis, []byte(`{"subject":"latency"}`))
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	if !strings.HasPrefix(session.ID, "ses_") {
		t.Fatalf("unexpected session id: %s", session.ID)
	}
	if session.Status != domain.SessionStatusPending {
		t.Fatalf("expected pending, got %s", session.Status)
	}

	tasks, err := svc.store.ReceiveTasks(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ReceiveTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].SessionID != session.ID {
		t.Fatalf("expected enqueued task for session, got %+v", tasks)
	}
	if tasks[0].Type != domain.TaskTypeAnalysis {
		t.Fatalf("unexpected task type: %s", tasks[0].Type)
	}
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.CreateSession(ctx, "u1", "")

	_, err := svc.Append(ctx, session.ID, "bogus_type", map[string]string{}, nil)
	if !errors.Is(err, domain.ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}

	// tool_call without tool_call_id fails the write boundary check.
	_, err = svc.Append(ctx, session.ID, domain.EventTypeToolCall, domain.ToolCallPayload{Tool: "create_agent"}, nil)
	if err == nil {
		t.Fatalf("expected payload validation error")
	}
}

func TestTransitionPublishesAndPersists(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.CreateSession(ctx, "u1", "")

	sub := svc.Broker().Subscribe(session.ID, 4)
	defer sub.Close()

	if err := svc.Transition(ctx, session.ID, domain.SessionStatusRunning, TransitionOpts{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := svc.Transition(ctx, session.ID, domain.SessionStatusCompleted, TransitionOpts{FinalResponse: "done"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	got, err := svc.LookupSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("LookupSession failed: %v", err)
	}
	if got.Status != domain.SessionStatusCompleted || got.FinalResponse != "done" {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Both transitions produced status_update events, published live.
	for i := range 2 {
		select {
		case ev := <-sub.C:
			if ev.Type != domain.EventTypeStatusUpdate {
				t.Fatalf("event %d has type %s", i, ev.Type)
			}
		default:
			t.Fatalf("missing published event %d", i)
		}
	}

	history, err := svc.SessionHistory(ctx, session.ID, "u1", "", []string{"status_update"}, 0)
	if err != nil {
		t.Fatalf("SessionHistory failed: %v", err)
	}
	if len(history.Events) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(history.Events))
	}
	if history.Events[0].ID >= history.Events[1].ID {
		t.Fatalf("event ids not monotonic: %s >= %s", history.Events[0].ID, history.Events[1].ID)
	}
}

func TestTransitionTerminalRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.CreateSession(ctx, "u1", "")

	if err := svc.Transition(ctx, session.ID, domain.SessionStatusRunning, TransitionOpts{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := svc.Transition(ctx, session.ID, domain.SessionStatusFailed, TransitionOpts{Error: "boom"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	err := svc.Transition(ctx, session.ID, domain.SessionStatusCompleted, TransitionOpts{FinalResponse: "late"})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// The losing transition left no event behind.
	history, _ := svc.SessionHistory(ctx, session.ID, "u1", "", []string{"status_update"}, 0)
	if len(history.Events) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(history.Events))
	}
}

func TestTransitionMutuallyExclusiveOutcome(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.CreateSession(ctx, "u1", "")

	err := svc.Transition(ctx, session.ID, domain.SessionStatusCompleted, TransitionOpts{
		FinalResponse: "done", Error: "boom",
	})
	if err == nil {
		t.Fatalf("expected mutual exclusivity error")
	}
}

func TestSessionHistoryRejectsUnknownTypeFilter(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.CreateSession(ctx, "u1", "")

	_, err := svc.SessionHistory(ctx, session.ID, "u1", "", []string{"nope"}, 0)
	if !errors.Is(err, domain.ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}

func recvEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.Event{}
}

func TestWatchEventsReplayAndLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService(t)
	session, _ := svc.CreateSession(ctx, "u1", "")

	first, err := svc.Append(ctx, session.ID, domain.EventTypeMessage, domain.MessagePayload{Role: "assistant", Content: "one"}, nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	second, err := svc.Append(ctx, session.ID, domain.EventTypeMessage, domain.MessagePayload{Role: "assistant", Content: "two"}, nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events := svc.WatchEvents(ctx, session.ID, first, 10*time.Millisecond)

	if ev := recvEvent(t, events); ev.ID != second {
		t.Fatalf("expected replay after cursor, got %s", ev.ID)
	}

	if err := svc.Progress(ctx, session.ID, "Round 1 of 2", 1); err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if ev := recvEvent(t, events); ev.Type != domain.EventTypeStatusUpdate {
		t.Fatalf("unexpected live event type: %s", ev.Type)
	}

	// Cancellation closes the channel.
	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestWatchEventsSeesOtherProcessWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// serve and worker each get their own store handle and broker, as in a
	// split-process deployment; only the database file is shared.
	dsn := filepath.Join(t.TempDir(), "convoke.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	serveDB, err := store.NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("failed to create serve store: %v", err)
	}
	defer serveDB.Close()
	workerDB, err := store.NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("failed to create worker store: %v", err)
	}
	defer workerDB.Close()

	serveSvc := New(serveDB, stream.NewBroker(logger), logger)
	workerSvc := New(workerDB, stream.NewBroker(logger), logger)

	session, err := serveSvc.CreateSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	events := serveSvc.WatchEvents(ctx, session.ID, "", 10*time.Millisecond)

	if err := workerSvc.Transition(ctx, session.ID, domain.SessionStatusRunning, TransitionOpts{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := workerSvc.Transition(ctx, session.ID, domain.SessionStatusCompleted, TransitionOpts{FinalResponse: "done"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// The serve-side watcher must observe both worker-written status
	// events via its store poll, broker instances notwithstanding.
	for _, want := range []domain.SessionStatus{domain.SessionStatusRunning, domain.SessionStatusCompleted} {
		ev := recvEvent(t, events)
		if ev.Type != domain.EventTypeStatusUpdate {
			t.Fatalf("unexpected event type: %s", ev.Type)
		}
		payload, err := domain.DecodeEventData(ev.Type, ev.Data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if got := payload.(domain.StatusUpdatePayload).Status; got != want {
			t.Fatalf("expected status %s, got %s", want, got)
		}
	}
}
