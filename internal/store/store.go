// Package store provides persistence for runs, jobs, and the durable event log.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tobyms/foreman/internal/domain"
)

// Store is the persistence interface used by the engine, the job processor,
// and the event bus. All run mutation goes through the engine and all job
// mutation through the processor; no other component writes here directly.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	// SaveRunState persists the loop's reconstructable state (status, token
	// total, message history). It refuses to touch a terminal run and reports
	// whether a row was updated.
	SaveRunState(ctx context.Context, runID string, status domain.RunStatus, totalTokens int64, messages []domain.ChatMessage) (bool, error)
	// CompleteRun moves a run to a terminal status exactly once.
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, result json.RawMessage, totalTokens int64, messages []domain.ChatMessage) (bool, error)

	// Jobs
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobByToolCallID(ctx context.Context, runID, toolCallID string) (*domain.Job, error)
	GetSucceededJobByTask(ctx context.Context, runID, task string) (*domain.Job, error)
	// ClaimJob transitions QUEUED -> RUNNING and reports whether this caller
	// won the claim.
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	// CompleteJob moves a job to a terminal status exactly once.
	CompleteJob(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage) (bool, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
	ListJobsByRun(ctx context.Context, runID string) ([]domain.Job, error)

	// Durable event log (append-only)
	AppendEvent(ctx context.Context, event *domain.Event) error
	GetRunEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Event, error)
	GetTraceEvents(ctx context.Context, traceID string) ([]domain.Event, error)

	Close() error
}

// IsUniqueViolation reports whether err is a uniqueness constraint failure,
// used to detect duplicate job creation races.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
