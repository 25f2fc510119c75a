package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetTrace returns the merged timeline for a trace: lifecycle events across
// the run and all its jobs, plus recorded model calls.
// GET /v1/traces/:trace_id
func (h *Handler) GetTrace(c echo.Context) error {
	traceID := c.Param("trace_id")
	ctx := c.Request().Context()

	timeline, err := h.traces.Timeline(ctx, traceID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if len(timeline.Items) == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "trace not found"})
	}
	return c.JSON(http.StatusOK, timeline)
}
