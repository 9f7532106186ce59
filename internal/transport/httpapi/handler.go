// Package httpapi exposes the caller-facing session API and the realtime
// distributor endpoints over echo.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/service"
)

// HeaderUserID carries the verified user id. Authentication mechanics live
// upstream; this layer treats the header as an opaque, already-verified
// identity.
const HeaderUserID = "X-User-ID"

type Handler struct {
	svc    *service.Service
	cfg    *config.Config
	logger *slog.Logger
}

func NewHandler(svc *service.Service, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, cfg: cfg, logger: logger}
}

// RegisterRoutes registers the v1 API.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1", requireIdentity)
	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:session_id", h.GetSession)
	v1.GET("/sessions/:session_id/stream", h.StreamSession)
	v1.GET("/sessions/:session_id/feed", h.FeedSession)
}

func requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get(HeaderUserID) == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		}
		return next(c)
	}
}

func ownerID(c echo.Context) string {
	return c.Request().Header.Get(HeaderUserID)
}
