package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tobyms/foreman/internal/domain"
)

// TaskResult is the outcome of a delegated task.
type TaskResult struct {
	Status domain.JobStatus
	Result json.RawMessage
}

// ExecuteTask runs one delegated job to completion in the worker context: a
// fresh message history seeded with the task, the shared tool registry, and
// no delegate tool. Model calls made here land in the parent run's trace but
// never in its token total.
func (e *Engine) ExecuteTask(ctx context.Context, job *domain.Job) TaskResult {
	messages := []domain.ChatMessage{
		{Role: "system", Content: workerSystemPrompt},
		{Role: "user", Content: job.Task},
	}
	defs := e.tools.Definitions()

	for i := 0; i < e.cfg.MaxIterations; i++ {
		assistant, _, err := e.callModel(ctx, job.TraceID, messages, defs)
		if err != nil {
			return taskFailure(fmt.Sprintf("model call failed: %v", err))
		}
		messages = append(messages, *assistant)

		if len(assistant.ToolCalls) == 0 {
			output := assistant.Content
			if strings.HasPrefix(strings.TrimSpace(output), failureMarker) {
				return TaskResult{
					Status: domain.JobStatusFailed,
					Result: domain.MustJSON(map[string]string{"status": "failed", "output": output}),
				}
			}
			return TaskResult{
				Status: domain.JobStatusSuccess,
				Result: domain.MustJSON(map[string]string{"status": "success", "output": output}),
			}
		}

		for _, tc := range assistant.ToolCalls {
			messages = append(messages, e.executeToolCall(ctx, job.TraceID, job.ParentRunID, job.JobID, tc))
		}
	}

	return taskFailure(fmt.Sprintf("task exceeded %d iterations", e.cfg.MaxIterations))
}

func taskFailure(reason string) TaskResult {
	return TaskResult{
		Status: domain.JobStatusFailed,
		Result: domain.MustJSON(map[string]string{"status": "failed", "output": reason}),
	}
}
