package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RunStartedPayload is the payload for a run-started event.
type RunStartedPayload struct {
	Input string `json:"input"`
}

// RunResumedPayload is the payload for a run-resumed event.
type RunResumedPayload struct {
	JobID     string    `json:"job_id"`
	JobStatus JobStatus `json:"job_status"`
}

// RunCompletePayload is the payload for a run-complete event.
type RunCompletePayload struct {
	Status      RunStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	TotalTokens int64           `json:"total_tokens"`
}

// ToolStartedPayload is the payload for a tool-started event.
type ToolStartedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolCompletedPayload is the payload for a tool-completed event.
type ToolCompletedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	IsError    bool            `json:"is_error"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// JobSpawnedPayload is the payload for a job-spawned event.
type JobSpawnedPayload struct {
	JobID      string `json:"job_id"`
	ToolCallID string `json:"tool_call_id"`
	Task       string `json:"task"`
}

// JobStartedPayload is the payload for a job-started event.
type JobStartedPayload struct {
	JobID string `json:"job_id"`
	Task  string `json:"task"`
}

// JobCompletePayload is the payload for a job-complete event.
type JobCompletePayload struct {
	JobID  string          `json:"job_id"`
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// MustJSON encodes v permissively. Values that json.Marshal rejects are
// rendered as a quoted string instead of failing the enclosing call.
func MustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(strconv.Quote(fmt.Sprint(v)))
	}
	return b
}
