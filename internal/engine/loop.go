package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/guard"
	"github.com/tobyms/foreman/internal/llm"
	"github.com/tobyms/foreman/internal/policy"
)

const (
	modelCallRetries  = 3
	modelRetryBackoff = 250 * time.Millisecond

	// failureMarker at the start of the model's final message turns the
	// terminal status into FAILED instead of SUCCESS.
	failureMarker = "FAILED:"
)

// runLoop advances a run until it suspends (WAITING) or terminates. The
// caller must hold the run lock.
func (e *Engine) runLoop(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	defs := append(e.tools.Definitions(), delegateDefinition())

	for i := 0; i < e.cfg.MaxIterations; i++ {
		assistant, usage, err := e.callModel(ctx, run.TraceID, run.Messages, defs)
		if err != nil {
			return e.terminate(ctx, run, domain.RunStatusFailed,
				domain.MustJSON(map[string]string{"error": fmt.Sprintf("model call failed: %v", err)}))
		}
		run.TotalTokens += int64(usage.TotalTokens)
		run.Messages = append(run.Messages, *assistant)

		calls := assistant.ToolCalls
		if len(calls) == 0 {
			status := domain.RunStatusSuccess
			if strings.HasPrefix(strings.TrimSpace(assistant.Content), failureMarker) {
				status = domain.RunStatusFailed
			}
			return e.terminate(ctx, run, status,
				domain.MustJSON(map[string]string{"output": assistant.Content}))
		}

		if guard.ViolatesSoloDelegation(calls) {
			// Reject the whole batch with synthetic errors so the model can
			// re-issue the delegation by itself. No job is created.
			for _, tc := range calls {
				run.Messages = append(run.Messages, toolErrorMessage(tc.ID, guard.SoloDelegationMessage))
				e.publish(ctx, run.TraceID, run.RunID, "", domain.EventTypeToolCompleted, domain.ToolCompletedPayload{
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
					IsError:    true,
					Result:     domain.MustJSON(guard.SoloDelegationMessage),
				})
			}
			continue
		}

		if guard.HasDelegation(calls) {
			suspended, err := e.handleDelegation(ctx, run, calls[0])
			if err != nil {
				return e.terminate(ctx, run, domain.RunStatusFailed,
					domain.MustJSON(map[string]string{"error": err.Error()}))
			}
			if suspended {
				return run, nil
			}
			continue
		}

		for _, tc := range calls {
			run.Messages = append(run.Messages, e.executeToolCall(ctx, run.TraceID, run.RunID, "", tc))
		}
	}

	return e.terminate(ctx, run, domain.RunStatusFailed,
		domain.MustJSON(map[string]string{"error": fmt.Sprintf("run exceeded %d iterations", e.cfg.MaxIterations)}))
}

// handleDelegation resolves a solo delegate call. It returns true when the
// run has been suspended (persisted WAITING with a queued job); false when
// the loop should continue in-process (cached result or a correctable
// argument error fed back to the model).
func (e *Engine) handleDelegation(ctx context.Context, run *domain.Run, tc domain.ToolCall) (bool, error) {
	task, err := guard.ParseTask(tc)
	if err != nil {
		run.Messages = append(run.Messages, toolErrorMessage(tc.ID, err.Error()))
		e.publish(ctx, run.TraceID, run.RunID, "", domain.EventTypeToolCompleted, domain.ToolCompletedPayload{
			ToolCallID: tc.ID,
			ToolName:   domain.DelegateToolName,
			IsError:    true,
			Result:     domain.MustJSON(err.Error()),
		})
		return false, nil
	}

	res, err := e.guard.Lookup(ctx, run.RunID, tc.ID, task)
	if err != nil {
		return false, err
	}
	if res != nil && res.CachedResult != nil {
		// A completed job for the identical task already exists; reuse its
		// result without spawning anything.
		run.Messages = append(run.Messages, toolMessage(tc.ID, string(res.CachedResult)))
		e.publish(ctx, run.TraceID, run.RunID, "", domain.EventTypeToolCompleted, domain.ToolCompletedPayload{
			ToolCallID: tc.ID,
			ToolName:   domain.DelegateToolName,
			Result:     res.CachedResult,
		})
		return false, nil
	}
	if res != nil && res.Job != nil && res.Job.Status.Terminal() {
		// Replayed tool call whose job already finished (e.g. a resume that
		// re-reached this point). Feed the stored result back.
		run.Messages = append(run.Messages, toolMessage(tc.ID, string(res.Job.Result)))
		return false, nil
	}

	// Checkpoint the loop state before the job becomes visible: the token
	// total and message history a later resume reads must already include
	// everything up to this suspension.
	run.Status = domain.RunStatusWaiting
	updated, err := e.store.SaveRunState(ctx, run.RunID, run.Status, run.TotalTokens, run.Messages)
	if err != nil {
		return false, fmt.Errorf("failed to suspend run: %w", err)
	}
	if !updated {
		log.Printf("WARN: run %s was finalized mid-loop, abandoning suspension", run.RunID)
		return true, nil
	}

	var job *domain.Job
	if res != nil {
		job = res.Job
	}
	if job == nil {
		job, err = e.guard.Create(ctx, run, tc.ID, task)
		if err != nil {
			return false, fmt.Errorf("failed to create job: %w", err)
		}
		e.publish(ctx, run.TraceID, run.RunID, job.JobID, domain.EventTypeJobSpawned, domain.JobSpawnedPayload{
			JobID:      job.JobID,
			ToolCallID: tc.ID,
			Task:       task,
		})
	}
	if e.enqueuer != nil && !job.Status.Terminal() {
		e.enqueuer.Enqueue(job.JobID)
	}
	return true, nil
}

// terminate finalizes the run and publishes run-complete. The guarded update
// makes finalization idempotent: if another path already finalized the run,
// the stored run wins and no second run-complete is published.
func (e *Engine) terminate(ctx context.Context, run *domain.Run, status domain.RunStatus, result json.RawMessage) (*domain.Run, error) {
	updated, err := e.store.CompleteRun(ctx, run.RunID, status, result, run.TotalTokens, run.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize run: %w", err)
	}
	defer e.dropRunLock(run.RunID)
	if !updated {
		log.Printf("WARN: run %s already finalized, keeping stored outcome", run.RunID)
		return e.store.GetRun(ctx, run.RunID)
	}
	run.Status = status
	run.Result = result
	e.publish(ctx, run.TraceID, run.RunID, "", domain.EventTypeRunComplete, domain.RunCompletePayload{
		Status:      status,
		Result:      result,
		TotalTokens: run.TotalTokens,
	})
	return run, nil
}

// callModel makes one model call with retries, recorded in the ledger. A call
// that never succeeds leaves its entry PENDING for the sweep.
func (e *Engine) callModel(ctx context.Context, traceID string, messages []domain.ChatMessage, defs []llm.Tool) (*domain.ChatMessage, *llm.Usage, error) {
	spanID := e.ledger.Begin(traceID, e.cfg.Model)

	req := &llm.ChatCompletionRequest{
		Model:    e.cfg.Model,
		Messages: messages,
		Tools:    defs,
	}

	var resp *llm.ChatCompletionResponse
	var err error
	for attempt := 1; attempt <= modelCallRetries; attempt++ {
		resp, err = e.llm.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		log.Printf("WARN: model call attempt %d/%d failed: %v", attempt, modelCallRetries, err)
		if attempt == modelCallRetries {
			return nil, nil, err
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(modelRetryBackoff):
		}
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, nil, fmt.Errorf("model returned no choices")
	}
	usage := resp.Usage
	if usage == nil {
		usage = &llm.Usage{}
	}
	e.ledger.Complete(spanID, int64(usage.PromptTokens), int64(usage.CompletionTokens))
	return resp.Choices[0].Message, usage, nil
}

// executeToolCall runs one server-side tool call through the policy engine
// and the registry. Failures become error-content tool messages so the model
// can react; they never abort the loop.
func (e *Engine) executeToolCall(ctx context.Context, traceID, runID, jobID string, tc domain.ToolCall) domain.ChatMessage {
	name := tc.Function.Name
	args := json.RawMessage(tc.Function.Arguments)

	e.publish(ctx, traceID, runID, jobID, domain.EventTypeToolStarted, domain.ToolStartedPayload{
		ToolCallID: tc.ID,
		ToolName:   name,
		Args:       args,
	})

	result, err := e.dispatchTool(ctx, name, args)

	if err != nil {
		e.publish(ctx, traceID, runID, jobID, domain.EventTypeToolCompleted, domain.ToolCompletedPayload{
			ToolCallID: tc.ID,
			ToolName:   name,
			IsError:    true,
			Result:     domain.MustJSON(err.Error()),
		})
		return toolErrorMessage(tc.ID, err.Error())
	}

	e.publish(ctx, traceID, runID, jobID, domain.EventTypeToolCompleted, domain.ToolCompletedPayload{
		ToolCallID: tc.ID,
		ToolName:   name,
		Result:     result,
	})
	return toolMessage(tc.ID, string(result))
}

func (e *Engine) dispatchTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if name == domain.DelegateToolName {
		// Only the orchestrator loop may delegate; a worker reaching here
		// means the model tried to delegate from inside a job.
		return nil, fmt.Errorf("delegation is not available in this context")
	}

	var argsMap map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	decision, err := e.policy.Evaluate(ctx, map[string]interface{}{
		"tool_name": name,
		"args":      argsMap,
	})
	if err != nil {
		log.Printf("WARN: policy evaluation failed for %s, allowing: %v", name, err)
		decision = policy.DecisionAllow
	}
	if decision == policy.DecisionBlock {
		return nil, fmt.Errorf("tool %s blocked by policy", name)
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()
	return e.tools.Execute(toolCtx, name, args)
}

func toolMessage(toolCallID, content string) domain.ChatMessage {
	return domain.ChatMessage{Role: "tool", ToolCallID: toolCallID, Content: content}
}

func toolErrorMessage(toolCallID, message string) domain.ChatMessage {
	return domain.ChatMessage{
		Role:       "tool",
		ToolCallID: toolCallID,
		Content:    fmt.Sprintf(`{"error":%q}`, message),
	}
}

func delegateDefinition() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        domain.DelegateToolName,
			Description: "Delegate a long-running sub-task to a background worker. Must be the only tool call in the turn.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task": map[string]interface{}{
						"type":        "string",
						"description": "Complete, self-contained description of the sub-task",
					},
				},
				"required": []string{"task"},
			},
		},
	}
}
