package domain

import (
	"encoding/json"
	"time"
)

// Run represents a single orchestrator execution.
//
// The message history and token total are the loop's reconstructable state:
// they are persisted at every suspension so the run can be resumed after a
// process restart without a captured call stack.
type Run struct {
	RunID       string          `json:"run_id"`
	TraceID     string          `json:"trace_id"`
	Status      RunStatus       `json:"status"`
	TotalTokens int64           `json:"total_tokens"`
	Messages    []ChatMessage   `json:"message_history"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

// Job represents one delegated worker task.
type Job struct {
	JobID       string          `json:"job_id"`
	TraceID     string          `json:"trace_id"`
	ParentRunID string          `json:"parent_run_id"`
	ToolCallID  string          `json:"tool_call_id"`
	Task        string          `json:"task"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Event represents a lifecycle notification, persisted append-only for replay.
// Seq is assigned by the store and orders the durable log per run.
type Event struct {
	EventID string          `json:"event_id"`
	Seq     int64           `json:"seq"`
	TraceID string          `json:"trace_id"`
	RunID   string          `json:"run_id"`
	JobID   string          `json:"job_id,omitempty"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
