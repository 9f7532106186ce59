package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/store"
)

// CreateSessionRequest starts one orchestration.
type CreateSessionRequest struct {
	TaskType string          `json:"task_type"`
	Config   json.RawMessage `json:"config,omitempty"`
	ThreadID string          `json:"thread_id,omitempty"`
}

// CreateSession creates a pending session and enqueues its task message.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	taskType, err := domain.ParseTaskType(req.TaskType)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	session, err := h.svc.StartOrchestration(c.Request().Context(), ownerID(c), req.ThreadID, taskType, req.Config)
	if err != nil {
		h.logger.Error("failed to start orchestration", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start orchestration"})
	}
	return c.JSON(http.StatusAccepted, session)
}

// ListSessions returns the caller's sessions.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := h.svc.ListSessions(c.Request().Context(), ownerID(c), limit)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list sessions"})
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession returns one session with its event history.
// GET /v1/sessions/:session_id?after=&types=&limit=
func (h *Handler) GetSession(c echo.Context) error {
	var types []string
	if raw := c.QueryParam("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := h.svc.SessionHistory(c.Request().Context(),
		c.Param("session_id"), ownerID(c), c.QueryParam("after"), types, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		if errors.Is(err, domain.ErrInvalidEventType) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error("failed to load session history", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load session"})
	}
	if history.Events == nil {
		history.Events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, history)
}
