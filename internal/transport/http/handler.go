// Package http provides the HTTP API for foreman.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tobyms/foreman/internal/bus"
	"github.com/tobyms/foreman/internal/engine"
	"github.com/tobyms/foreman/internal/store"
	"github.com/tobyms/foreman/internal/tracequery"
)

// Handler handles HTTP requests.
type Handler struct {
	engine *engine.Engine
	store  store.Store
	bus    *bus.Bus
	traces *tracequery.Service
}

// NewHandler creates a new handler.
func NewHandler(eng *engine.Engine, st store.Store, b *bus.Bus, traces *tracequery.Service) *Handler {
	return &Handler{
		engine: eng,
		store:  st,
		bus:    b,
		traces: traces,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run API
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/fail", h.FailRun)

	// Event API
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/events/stream", h.StreamRunEvents)

	// Trace API
	e.GET("/v1/traces/:trace_id", h.GetTrace)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
