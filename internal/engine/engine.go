// Package engine drives the orchestrator reasoning loop: it calls the model,
// executes tools, suspends the run when the model delegates, and resumes it
// when the delegated job completes.
//
// A run is modeled as an explicit state machine persisted to the store, not a
// suspended call stack: resuming reconstructs the loop's local state (message
// history, token total) from the stored run and re-enters the loop.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tobyms/foreman/internal/bus"
	"github.com/tobyms/foreman/internal/config"
	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/guard"
	"github.com/tobyms/foreman/internal/ledger"
	"github.com/tobyms/foreman/internal/llm"
	"github.com/tobyms/foreman/internal/policy"
	"github.com/tobyms/foreman/internal/store"
	"github.com/tobyms/foreman/internal/tools"
	"github.com/tobyms/foreman/internal/trace"
)

const defaultSystemPrompt = `You are an orchestrator. You may call tools to answer the user.
For long-running sub-tasks, call the delegate tool with a task description;
the task runs in the background and its result is returned to you later.
The delegate call must be the only tool call in its turn.
If you cannot complete the request, start your final message with "FAILED:".`

const workerSystemPrompt = `You are a worker executing one delegated task. You may call tools.
Work the task to completion and reply with the outcome.
If the task cannot be completed, start your final message with "FAILED:".`

// Enqueuer hands a created job to the background processor.
type Enqueuer interface {
	Enqueue(jobID string)
}

// StartRequest begins a new run.
type StartRequest struct {
	Input        string `json:"input"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Engine owns all run mutation. The job processor only reads runs and
// requests resumes through Resume.
type Engine struct {
	store    store.Store
	bus      *bus.Bus
	ledger   *ledger.Ledger
	llm      llm.Client
	tools    *tools.Registry
	policy   *policy.Engine
	guard    *guard.Guard
	cfg      *config.Config
	enqueuer Enqueuer

	locks sync.Map // run id -> *sync.Mutex, pruned when the run turns terminal
}

// New creates an engine. The enqueuer is wired separately via SetEnqueuer to
// break the construction cycle with the job processor.
func New(st store.Store, b *bus.Bus, ld *ledger.Ledger, client llm.Client, reg *tools.Registry, pol *policy.Engine, cfg *config.Config) *Engine {
	return &Engine{
		store:  st,
		bus:    b,
		ledger: ld,
		llm:    client,
		tools:  reg,
		policy: pol,
		guard:  guard.New(st),
		cfg:    cfg,
	}
}

// SetEnqueuer wires the background job processor.
func (e *Engine) SetEnqueuer(q Enqueuer) {
	e.enqueuer = q
}

// runLock returns the mutex serializing all advancement of one run. A run
// must never be advanced by two concurrent callers.
func (e *Engine) runLock(runID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// dropRunLock removes a terminal run's mutex so the map does not grow for the
// lifetime of the server. A racing caller that already holds the old mutex is
// harmless: every mutation of a terminal run is a guarded no-op.
func (e *Engine) dropRunLock(runID string) {
	e.locks.Delete(runID)
}

// Start begins a new run with a fresh trace id and drives it until it reaches
// a terminal or WAITING status. WAITING is not an error: it signals the run
// is continuing in the background.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*domain.Run, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("input is required")
	}

	system := req.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	run := &domain.Run{
		RunID:     trace.NewRunID(),
		TraceID:   trace.NewTraceID(),
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now(),
		Messages: []domain.ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Input},
		},
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.publish(ctx, run.TraceID, run.RunID, "", domain.EventTypeRunStarted, domain.RunStartedPayload{Input: req.Input})

	mu := e.runLock(run.RunID)
	mu.Lock()
	defer mu.Unlock()
	return e.runLoop(ctx, run)
}

// Resume is invoked by the job processor after a job completes. It appends
// the job result as a tool message, re-enters the loop, and drives the run to
// its next WAITING or terminal status. A missing or already-terminal run is
// an anomaly and a no-op, never an error: the parent run's fate is
// independent of the processor's bookkeeping.
func (e *Engine) Resume(ctx context.Context, runID, jobID, toolCallID string, jobStatus domain.JobStatus, result json.RawMessage) (*domain.Run, error) {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		log.Printf("WARN: resume target run %s not found for job %s, ignoring", runID, jobID)
		return nil, nil
	}
	if run.Status.Terminal() {
		log.Printf("WARN: resume for job %s ignored, run %s already %s", jobID, runID, run.Status)
		e.dropRunLock(runID)
		return run, nil
	}

	content := string(result)
	if content == "" {
		content = fmt.Sprintf(`{"status":%q}`, jobStatus)
	}
	run.Messages = append(run.Messages, domain.ChatMessage{
		Role:       "tool",
		ToolCallID: toolCallID,
		Content:    content,
	})
	run.Status = domain.RunStatusRunning

	updated, err := e.store.SaveRunState(ctx, run.RunID, run.Status, run.TotalTokens, run.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to persist resumed run: %w", err)
	}
	if !updated {
		log.Printf("WARN: run %s was finalized before resume for job %s could apply", runID, jobID)
		return run, nil
	}
	e.publish(ctx, run.TraceID, run.RunID, jobID, domain.EventTypeRunResumed, domain.RunResumedPayload{
		JobID:     jobID,
		JobStatus: jobStatus,
	})

	return e.runLoop(ctx, run)
}

// FailRun terminally fails a run from outside the loop (operator action or a
// timeout watchdog). Any later resume attempt becomes a no-op.
func (e *Engine) FailRun(ctx context.Context, runID, reason string) (*domain.Run, error) {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if run.Status.Terminal() {
		e.dropRunLock(runID)
		return run, nil
	}

	result := domain.MustJSON(map[string]string{"error": reason})
	updated, err := e.store.CompleteRun(ctx, run.RunID, domain.RunStatusFailed, result, run.TotalTokens, run.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to fail run: %w", err)
	}
	if !updated {
		e.dropRunLock(runID)
		return e.store.GetRun(ctx, runID)
	}
	run.Status = domain.RunStatusFailed
	run.Result = result
	e.publish(ctx, run.TraceID, run.RunID, "", domain.EventTypeRunComplete, domain.RunCompletePayload{
		Status:      run.Status,
		Result:      result,
		TotalTokens: run.TotalTokens,
	})
	e.dropRunLock(runID)
	return run, nil
}

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return e.store.GetRun(ctx, runID)
}

func (e *Engine) publish(ctx context.Context, traceID, runID, jobID string, eventType domain.EventType, payload interface{}) {
	event := &domain.Event{
		TraceID: traceID,
		RunID:   runID,
		JobID:   jobID,
		Type:    eventType,
		Payload: domain.MustJSON(payload),
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		log.Printf("ERROR: failed to publish %s event for run %s: %v", eventType, runID, err)
	}
}
