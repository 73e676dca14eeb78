package model

import "context"

// Model is the provider-agnostic completion surface the agent runtime calls
// once per reasoning loop.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	CompleteStream(ctx context.Context, req Request, cb StreamHandler) error
}

// Message is a single conversational turn exchanged with the model.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is the outbound payload of one model call.
type Request struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	System      string           `json:"system,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Model       string           `json:"model,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// Response is the inbound payload of one model call.
type Response struct {
	Message    Message `json:"message"`
	Usage      Usage   `json:"usage"`
	StopReason string  `json:"stop_reason,omitempty"`
}

// StreamResult is one chunk of a streaming completion. The last chunk has
// Final set and carries the aggregated Response.
type StreamResult struct {
	Delta    string    `json:"delta,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Final    bool      `json:"final,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// StreamHandler consumes streaming chunks in emission order.
type StreamHandler func(StreamResult) error

// CloneMessage deep copies a message so callers cannot mutate shared
// argument maps.
func CloneMessage(msg Message) Message {
	clone := Message{Role: msg.Role, Content: msg.Content}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			clone.ToolCalls[i] = CloneToolCall(call)
		}
	}
	return clone
}

// CloneMessages clones an entire slice of messages.
func CloneMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = CloneMessage(msg)
	}
	return out
}

// CloneToolCall duplicates the nested argument map.
func CloneToolCall(call ToolCall) ToolCall {
	out := ToolCall{ID: call.ID, Name: call.Name}
	if call.Arguments != nil {
		out.Arguments, _ = cloneValue(call.Arguments).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, v := range val {
			cp[k] = cloneValue(v)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, el := range val {
			cp[i] = cloneValue(el)
		}
		return cp
	default:
		return val
	}
}
