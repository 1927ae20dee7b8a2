package types

import (
	"encoding/json"
	"time"
)

// ToolAnnotations carries the behavioral hints an extension declares for
// a tool. The dispatcher uses Destructive to decide execution ordering,
// permission modes use ReadOnly for auto-approval, and Frontend marks
// tools that are returned to the caller for client-side execution
// instead of being dispatched by the agent.
type ToolAnnotations struct {
	ReadOnly    bool `json:"read_only,omitempty"`
	Destructive bool `json:"destructive,omitempty"`
	Idempotent  bool `json:"idempotent,omitempty"`
	Frontend    bool `json:"frontend,omitempty"`
}

// ToolSchema defines a tool's interface for model function calling.
// Parameters holds the JSON Schema for the tool's arguments.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Annotations ToolAnnotations `json:"annotations,omitempty"`
}

// ToolResult represents the outcome of a single tool dispatch,
// correlated to its originating ToolCall by ToolCallID.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// ToMessage converts the result to a tool-role message suitable for
// appending to history. A Result holding a JSON-encoded string is
// unquoted so the model reads plain text; any other payload is passed
// through as-is. Failed executions keep the "Error: ..." content
// convention so the model can read and adapt to the failure.
func (tr ToolResult) ToMessage() Message {
	content := string(tr.Result)
	var unquoted string
	if json.Unmarshal(tr.Result, &unquoted) == nil {
		content = unquoted
	}
	if tr.Error != "" {
		content = "Error: " + tr.Error
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       tr.Name,
		ToolCallID: tr.ToolCallID,
		Timestamp:  time.Now(),
	}
}

// IsError returns true if the tool execution failed.
func (tr ToolResult) IsError() bool {
	return tr.Error != ""
}

// ErrorResult builds a failed ToolResult for a call. Used for both real
// execution failures and synthetic failures (unknown tool, blocked by
// the repetition guard) that are fed back to the model instead of
// aborting the loop.
func ErrorResult(call ToolCall, errMsg string) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Error:      errMsg,
	}
}
