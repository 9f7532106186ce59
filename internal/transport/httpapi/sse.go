package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/store"
)

// streamMessage is one discrete text-stream message: a kind tag plus a
// JSON body.
type streamMessage struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamSession is the single-stream text protocol for callers that cannot
// hold a live subscription: an initial status snapshot, a message per
// session-status change, periodic inert heartbeats, and a final
// result/error message followed by a short grace delay before close.
// GET /v1/sessions/:session_id/stream
func (h *Handler) StreamSession(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	session, err := h.svc.GetSession(ctx, sessionID, ownerID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		h.logger.Error("failed to get session", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get session"})
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	if err := h.sendStreamMessage(c, "status", streamMessage{
		SessionID: session.ID,
		Status:    string(session.Status),
	}); err != nil {
		return err
	}

	if session.Status.Terminal() {
		return h.finishStream(c, session)
	}

	// The watcher replays stored history first, then live events; its store
	// poll covers status changes written by a worker in another process.
	events := h.svc.WatchEvents(ctx, sessionID, "", h.cfg.StreamPollInterval)

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Caller disconnected; tear the subscription down immediately.
			return nil

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Response().Writer, ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			done, err := h.forwardStatusEvent(c, ev)
			if err != nil || done {
				return err
			}
		}
	}
}

// forwardStatusEvent forwards one qualifying status change. Returns done
// when a terminal status was observed and the stream has been finished.
func (h *Handler) forwardStatusEvent(c echo.Context, ev domain.Event) (bool, error) {
	if ev.Type != domain.EventTypeStatusUpdate {
		return false, nil
	}
	payload, err := domain.DecodeEventData(ev.Type, ev.Data)
	if err != nil {
		return false, nil
	}
	update := payload.(domain.StatusUpdatePayload)

	if err := h.sendStreamMessage(c, "status", streamMessage{
		SessionID: ev.SessionID,
		Status:    string(update.Status),
		Detail:    update.Detail,
	}); err != nil {
		return false, err
	}

	if !update.Status.Terminal() {
		return false, nil
	}

	// Re-read for the terminal fields written by the same transaction.
	session, err := h.svc.LookupSession(c.Request().Context(), ev.SessionID)
	if err != nil {
		h.logger.Error("failed to reload terminal session", "session_id", ev.SessionID, "error", err)
		return true, nil
	}
	return true, h.finishStream(c, session)
}

func (h *Handler) finishStream(c echo.Context, session *domain.Session) error {
	var err error
	if session.Status == domain.SessionStatusFailed {
		err = h.sendStreamMessage(c, "error", streamMessage{
			SessionID: session.ID,
			Error:     session.Error,
		})
	} else {
		err = h.sendStreamMessage(c, "result", streamMessage{
			SessionID: session.ID,
			Result:    session.FinalResponse,
		})
	}
	if err != nil {
		return err
	}

	// Short grace delay so slow readers drain the final message.
	select {
	case <-c.Request().Context().Done():
	case <-time.After(h.cfg.TerminalGrace):
	}
	return nil
}

func (h *Handler) sendStreamMessage(c echo.Context, kind string, msg streamMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal stream message: %w", err)
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\ndata: %s\n\n", kind, body); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
