package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/tobyms/foreman/internal/bus"
	"github.com/tobyms/foreman/internal/config"
	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/engine"
	"github.com/tobyms/foreman/internal/ledger"
	"github.com/tobyms/foreman/internal/llm"
	"github.com/tobyms/foreman/internal/policy"
	"github.com/tobyms/foreman/internal/store"
	"github.com/tobyms/foreman/internal/tools"
	"github.com/tobyms/foreman/internal/tracequery"
	"github.com/tobyms/foreman/tests/helpers"
)

type scriptedClient struct {
	mu    sync.Mutex
	steps []*llm.ChatCompletionResponse
}

func (c *scriptedClient) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steps) == 0 {
		return nil, fmt.Errorf("script exhausted")
	}
	resp := c.steps[0]
	c.steps = c.steps[1:]
	return resp, nil
}

func textResponse(content string) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{
		Choices: []llm.Choice{{Message: &domain.ChatMessage{Role: "assistant", Content: content}}},
		Usage:   &llm.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}
}

func delegateResponse(id, task string) *llm.ChatCompletionResponse {
	args, _ := json.Marshal(domain.DelegateArgs{Task: task})
	return &llm.ChatCompletionResponse{
		Choices: []llm.Choice{{Message: &domain.ChatMessage{
			Role: "assistant",
			ToolCalls: []domain.ToolCall{{
				ID:       id,
				Type:     "function",
				Function: domain.ToolCallFunction{Name: domain.DelegateToolName, Arguments: string(args)},
			}},
		}}},
		Usage: &llm.Usage{TotalTokens: 10},
	}
}

func newTestHandler(t *testing.T, client llm.Client) (*Handler, store.Store) {
	t.Helper()
	db := helpers.NewTestStore(t)
	eventBus := bus.New(db)
	callLedger := ledger.New(time.Minute)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, nil, nil)

	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	cfg := &config.Config{Model: "test-model", MaxIterations: 8, ToolTimeout: time.Second}
	eng := engine.New(db, eventBus, callLedger, client, registry, policyEngine, cfg)
	traces := tracequery.New(db, callLedger)
	return NewHandler(eng, db, eventBus, traces), db
}

func TestCreateRunValidation(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t, &scriptedClient{})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateRun(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunCompletes(t *testing.T) {
	e := echo.New()
	client := &scriptedClient{steps: []*llm.ChatCompletionResponse{textResponse("all quiet")}}
	h, _ := newTestHandler(t, client)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{"input":"status report"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateRun(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var run domain.Run
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.NotEmpty(t, run.RunID)
	assert.NotEmpty(t, run.TraceID)
}

func TestCreateRunSuspendsOnDelegation(t *testing.T) {
	e := echo.New()
	client := &scriptedClient{steps: []*llm.ChatCompletionResponse{delegateResponse("tc1", "check disk")}}
	h, db := newTestHandler(t, client)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{"input":"check disk"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateRun(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var run domain.Run
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusWaiting, run.Status)

	jobs, err := db.ListJobsByRun(context.Background(), run.RunID)
	assert.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestGetRunNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t, &scriptedClient{})

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run_missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id")
	c.SetParamNames("run_id")
	c.SetParamValues("run_missing")

	err := h.GetRun(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailRunEndpoint(t *testing.T) {
	e := echo.New()
	client := &scriptedClient{steps: []*llm.ChatCompletionResponse{delegateResponse("tc1", "long task")}}
	h, db := newTestHandler(t, client)

	run, err := h.engine.Start(context.Background(), engine.StartRequest{Input: "long task"})
	assert.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaiting, run.Status)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.RunID+"/fail", bytes.NewBufferString(`{"reason":"stuck"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/fail")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	err = h.FailRun(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	stored, err := db.GetRun(context.Background(), run.RunID)
	assert.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.Contains(t, string(stored.Result), "stuck")
}

func TestGetRunEvents(t *testing.T) {
	e := echo.New()
	client := &scriptedClient{steps: []*llm.ChatCompletionResponse{textResponse("done")}}
	h, _ := newTestHandler(t, client)

	run, err := h.engine.Start(context.Background(), engine.StartRequest{Input: "hello"})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID+"/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/events")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	err = h.GetRunEvents(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []domain.Event `json:"events"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 2) // run-started, run-complete
	assert.Equal(t, domain.EventTypeRunStarted, resp.Events[0].Type)
	assert.Equal(t, domain.EventTypeRunComplete, resp.Events[1].Type)
}

func TestStreamReplaysFullBacklog(t *testing.T) {
	e := echo.New()
	h, db := newTestHandler(t, &scriptedClient{})
	ctx := context.Background()

	run := &domain.Run{RunID: "r1", TraceID: "tr1", Status: domain.RunStatusSuccess, StartedAt: time.Now()}
	assert.NoError(t, db.CreateRun(ctx, run))

	// Well past any single page of the replay.
	total := 1100
	for i := 0; i < total; i++ {
		event := &domain.Event{
			EventID: fmt.Sprintf("evt_%d", i),
			TraceID: "tr1",
			RunID:   "r1",
			Ts:      time.Now().UnixMilli(),
			Type:    domain.EventTypeToolStarted,
		}
		assert.NoError(t, db.AppendEvent(ctx, event))
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/r1/events/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/events/stream")
	c.SetParamNames("run_id")
	c.SetParamValues("r1")

	assert.NoError(t, h.StreamRunEvents(c))
	assert.Equal(t, total, bytes.Count(rec.Body.Bytes(), []byte("data: ")))
}

func TestGetTraceTimeline(t *testing.T) {
	e := echo.New()
	client := &scriptedClient{steps: []*llm.ChatCompletionResponse{textResponse("done")}}
	h, _ := newTestHandler(t, client)

	run, err := h.engine.Start(context.Background(), engine.StartRequest{Input: "hello"})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces/"+run.TraceID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/traces/:trace_id")
	c.SetParamNames("trace_id")
	c.SetParamValues(run.TraceID)

	err = h.GetTrace(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var tl tracequery.Timeline
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tl))
	assert.Equal(t, run.TraceID, tl.TraceID)
	// 2 lifecycle events + 1 model call.
	assert.Len(t, tl.Items, 3)
	assert.Equal(t, int64(10), tl.TotalTokensIn+tl.TotalTokensOut)
}

func TestGetTraceNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t, &scriptedClient{})

	req := httptest.NewRequest(http.MethodGet, "/v1/traces/tr_missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/traces/:trace_id")
	c.SetParamNames("trace_id")
	c.SetParamValues("tr_missing")

	err := h.GetTrace(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
