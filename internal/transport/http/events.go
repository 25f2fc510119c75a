package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetRunEvents retrieves durable events for a run.
// GET /v1/runs/:run_id/events?after_seq=N&limit=M
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	afterSeq := int64(0)
	if s := c.QueryParam("after_seq"); s != "" {
		if val, err := strconv.ParseInt(s, 10, 64); err == nil {
			afterSeq = val
		}
	}

	ctx := c.Request().Context()
	events, err := h.store.GetRunEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// StreamRunEvents streams a run's events as SSE: the durable backlog first,
// then live deliveries. Live delivery is best-effort; clients needing a
// complete record re-read /events with after_seq.
// GET /v1/runs/:run_id/events/stream
func (h *Handler) StreamRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	run, err := h.engine.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	// Subscribe before replaying the backlog so nothing published in between
	// is missed; duplicates across the boundary are possible and clients
	// dedupe on seq.
	sub := h.bus.Subscribe(runID)
	defer h.bus.Unsubscribe(sub)

	// Page through the full backlog; a long run's history can exceed any
	// single query limit.
	const backlogPage = 500
	afterSeq := int64(0)
	for {
		backlog, err := h.store.GetRunEvents(ctx, runID, afterSeq, backlogPage)
		if err != nil {
			return err
		}
		for _, event := range backlog {
			if err := writeSSE(res, event); err != nil {
				return nil
			}
			afterSeq = event.Seq
		}
		res.Flush()
		if len(backlog) < backlogPage {
			break
		}
	}

	if run.Status.Terminal() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeSSE(res, event); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func writeSSE(res *echo.Response, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(res, "data: %s\n\n", data)
	return err
}
