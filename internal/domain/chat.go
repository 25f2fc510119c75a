package domain

// ChatMessage represents one entry in a run's message history.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool call requested by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction represents the function in a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// DelegateToolName is the tool the orchestrator model calls to spawn a worker
// job. It is intercepted by the engine and never dispatched via the registry.
const DelegateToolName = "delegate"

// DelegateArgs is the argument payload of a delegation tool call.
type DelegateArgs struct {
	Task string `json:"task"`
}
