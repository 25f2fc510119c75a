// Package domain defines the core domain models for foreman.
package domain

// RunStatus represents the status of an orchestrator run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusWaiting RunStatus = "WAITING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// Terminal reports whether the run status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// JobStatus represents the status of a delegated worker job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "QUEUED"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// CallState represents the state of an LLM call ledger entry.
type CallState string

const (
	CallStatePending  CallState = "PENDING"
	CallStateComplete CallState = "COMPLETE"
)

// EventType represents the type of a lifecycle event.
type EventType string

const (
	EventTypeRunStarted  EventType = "run-started"
	EventTypeRunResumed  EventType = "run-resumed"
	EventTypeRunComplete EventType = "run-complete"

	EventTypeToolStarted   EventType = "tool-started"
	EventTypeToolCompleted EventType = "tool-completed"

	EventTypeJobSpawned  EventType = "job-spawned"
	EventTypeJobStarted  EventType = "job-started"
	EventTypeJobComplete EventType = "job-complete"
)
