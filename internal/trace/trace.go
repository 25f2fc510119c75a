// Package trace generates the correlation identifiers threaded through every
// record created for one end-user request.
package trace

import "github.com/google/uuid"

// NewTraceID returns a fresh trace id. Called exactly once per end-user
// request; the id is copied verbatim onto the run, every job it spawns, and
// every LLM call ledger entry, never regenerated partway through.
func NewTraceID() string {
	return "tr_" + uuid.New().String()[:8]
}

// NewSpanID returns a fresh span id for a single model call within a trace.
func NewSpanID() string {
	return "sp_" + uuid.New().String()[:8]
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return "run_" + uuid.New().String()[:8]
}

// NewJobID returns a fresh job id.
func NewJobID() string {
	return "job_" + uuid.New().String()[:8]
}

// NewEventID returns a fresh event id.
func NewEventID() string {
	return "evt_" + uuid.New().String()[:8]
}
