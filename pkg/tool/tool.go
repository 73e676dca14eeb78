package tool

import "context"

// Tool is a named capability the agent runtime can dispatch.
type Tool interface {
	Name() string
	Description() string
	Schema() *JSONSchema
	Execute(ctx context.Context, params map[string]any) (*ToolResult, error)
}

// ToolResult is the output of one tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Data    any    `json:"data,omitempty"`
}

// JSONSchema describes a tool's argument object.
type JSONSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

// Map renders the schema as the generic object the model layer advertises.
func (s *JSONSchema) Map() map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{"type": s.Type}
	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		required := make([]any, len(s.Required))
		for i, name := range s.Required {
			required[i] = name
		}
		out["required"] = required
	}
	return out
}
