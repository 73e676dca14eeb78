package events

import (
	"fmt"
	"time"

	"github.com/cexll/agentsnap/pkg/model"
)

// EventType enumerates the entries a runtime appends to its event stream.
// The list is kept small and explicit so recorded streams stay comparable
// across versions.
type EventType string

const (
	UserPromptSubmit EventType = "UserPromptSubmit"
	AssistantMessage EventType = "AssistantMessage"
	ToolUse          EventType = "ToolUse"
	ToolResult       EventType = "ToolResult"
	ToolFailure      EventType = "ToolFailure"
	LoopCompleted    EventType = "LoopCompleted"
	Stop             EventType = "Stop"
)

// Event is one entry of the cumulative event stream. ID, Timestamp and
// SessionID are volatile and normalized away before comparison.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Loop      int       `json:"loop"`
	Payload   any       `json:"payload,omitempty"`
}

// Validate performs cheap sanity checks for callers that need stronger
// contracts than the zero-value guarantees.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("events: missing type")
	}
	if e.Loop < 0 {
		return fmt.Errorf("events: negative loop %d", e.Loop)
	}
	return nil
}

// UserPromptPayload captures the user supplied input.
type UserPromptPayload struct {
	Prompt string `json:"prompt"`
}

// AssistantMessagePayload captures the model's reply for a loop.
type AssistantMessagePayload struct {
	Content    string           `json:"content,omitempty"`
	ToolCalls  []model.ToolCall `json:"tool_calls,omitempty"`
	StopReason string           `json:"stop_reason,omitempty"`
}

// ToolUsePayload is emitted before tool execution.
type ToolUsePayload struct {
	CallID string         `json:"tool_call_id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolResultPayload is emitted after tool execution, successful or not.
type ToolResultPayload struct {
	CallID     string `json:"tool_call_id"`
	Name       string `json:"name"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// LoopPayload marks the end of one reasoning iteration.
type LoopPayload struct {
	ToolCalls int `json:"tool_calls"`
}

// StopPayload indicates why the run finished.
type StopPayload struct {
	Reason string `json:"reason"`
}
