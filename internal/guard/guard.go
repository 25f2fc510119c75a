// Package guard enforces delegation idempotency and the solo-delegation rule.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/store"
	"github.com/tobyms/foreman/internal/trace"
)

// SoloDelegationMessage is the synthetic error returned for every call in a
// batch that mixes delegation with other tool calls.
const SoloDelegationMessage = "delegation must be the only tool call in a turn; re-issue the delegate call by itself"

// Guard dedupes delegation requests against the job store.
type Guard struct {
	store store.Store
}

// New creates a guard over the given store.
func New(st store.Store) *Guard {
	return &Guard{store: st}
}

// HasDelegation reports whether the batch contains a delegation call.
func HasDelegation(calls []domain.ToolCall) bool {
	for _, tc := range calls {
		if tc.Function.Name == domain.DelegateToolName {
			return true
		}
	}
	return false
}

// ViolatesSoloDelegation reports whether a batch mixes a delegation call with
// other tool calls. Tools before the delegation would execute pre-suspension
// and tools after it post-resume; rejecting the whole batch removes that
// split ordering entirely.
func ViolatesSoloDelegation(calls []domain.ToolCall) bool {
	return HasDelegation(calls) && len(calls) > 1
}

// ParseTask extracts the task description from a delegation call.
func ParseTask(tc domain.ToolCall) (string, error) {
	var args domain.DelegateArgs
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return "", fmt.Errorf("invalid delegate arguments: %w", err)
	}
	if strings.TrimSpace(args.Task) == "" {
		return "", fmt.Errorf("delegate requires a non-empty task")
	}
	return args.Task, nil
}

// Resolution is the outcome of a delegation lookup.
type Resolution struct {
	// Job is the existing job created for this tool call, if any.
	Job *domain.Job
	// CachedResult is set when a completed job with the byte-for-byte
	// identical task already exists; no new job is needed.
	CachedResult json.RawMessage
}

// Lookup checks for an existing job by tool call id, then for a completed job
// with an exactly matching task string. Task matching is exact by design: an
// earlier prefix-containment heuristic let near-duplicate tasks silently
// return another task's result.
func (g *Guard) Lookup(ctx context.Context, runID, toolCallID, task string) (*Resolution, error) {
	job, err := g.store.GetJobByToolCallID(ctx, runID, toolCallID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up job by tool call: %w", err)
	}
	if job != nil {
		return &Resolution{Job: job}, nil
	}

	done, err := g.store.GetSucceededJobByTask(ctx, runID, task)
	if err != nil {
		return nil, fmt.Errorf("failed to look up job by task: %w", err)
	}
	if done != nil {
		return &Resolution{CachedResult: done.Result}, nil
	}
	return nil, nil
}

// Create inserts a new QUEUED job for the delegation. A uniqueness race with
// a concurrent duplicate resolves to the already-created job.
func (g *Guard) Create(ctx context.Context, run *domain.Run, toolCallID, task string) (*domain.Job, error) {
	job := &domain.Job{
		JobID:       trace.NewJobID(),
		TraceID:     run.TraceID,
		ParentRunID: run.RunID,
		ToolCallID:  toolCallID,
		Task:        task,
		Status:      domain.JobStatusQueued,
		CreatedAt:   time.Now(),
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		if store.IsUniqueViolation(err) {
			existing, lookupErr := g.store.GetJobByToolCallID(ctx, run.RunID, toolCallID)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}
