// Package hookingest implements the hook ingestion HTTP endpoint: a
// fire-and-forget POST /event that wraps whatever a lifecycle hook sends
// into an envelope and appends it to the primary topic.
package hookingest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/run-vibes/loomd/pkg/eventlog"
)

// request is the hook's POST body.
type request struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Handler serves POST /event.
type Handler struct {
	appender *eventlog.OrderedAppender
}

// NewHandler constructs a Handler appending through appender. appender must
// be the same one every other primary-topic producer in the process uses,
// so event ids stay ordered the same way the broker's offsets do.
func NewHandler(appender *eventlog.OrderedAppender) *Handler {
	return &Handler{appender: appender}
}

// ServeEcho registers this handler's route on e.
func (h *Handler) ServeEcho(e *echo.Echo) {
	e.POST("/event", h.handle)
}

func (h *Handler) handle(c *echo.Context) error {
	var req request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}

	ctx := c.Request().Context()
	env, err := h.appender.Append(ctx, eventlog.PrimaryTopic, req.SessionID, req.Type, req.Data)
	if err != nil {
		slog.Error("hookingest: append to primary topic failed", "type", req.Type, "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "rejected"})
	}

	if req.SessionID != "" {
		if _, err := h.appender.Append(ctx, eventlog.HooksTopic, req.SessionID, req.Type, req.Data); err != nil {
			slog.Error("hookingest: mirror to hooks topic failed", "type", req.Type, "error", err)
		}
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "event_id": env.ID.String()})
}
