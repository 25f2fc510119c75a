package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tobyms/foreman/internal/engine"
)

// CreateRun starts a new run and drives it until it suspends or terminates.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req engine.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Input == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "input is required"})
	}

	ctx := c.Request().Context()
	run, err := h.engine.Start(ctx, req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun retrieves a run by id.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	run, err := h.engine.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, run)
}

// FailRun terminally fails a run from outside the loop (operator action).
// POST /v1/runs/:run_id/fail
func (h *Handler) FailRun(c echo.Context) error {
	runID := c.Param("run_id")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Reason == "" {
		req.Reason = "failed by operator"
	}

	ctx := c.Request().Context()
	run, err := h.engine.FailRun(ctx, runID, req.Reason)
	if err != nil {
		if run == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}
