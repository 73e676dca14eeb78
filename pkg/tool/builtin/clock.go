package toolbuiltin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cexll/agentsnap/pkg/tool"
)

var clockSchema = &tool.JSONSchema{
	Type: "object",
	Properties: map[string]any{
		"timezone": map[string]any{
			"type":        "string",
			"description": "IANA zone name, defaults to UTC",
		},
	},
}

// ClockTool reports the current time. Its output differs on every call,
// which makes it the canonical volatile tool in recorded sessions.
type ClockTool struct {
	now func() time.Time
}

func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

func (c *ClockTool) Name() string { return "current_time" }

func (c *ClockTool) Description() string { return "Return the current time." }

func (c *ClockTool) Schema() *tool.JSONSchema { return clockSchema }

func (c *ClockTool) Execute(ctx context.Context, params map[string]any) (*tool.ToolResult, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc := time.UTC
	if name, _ := params["timezone"].(string); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("load timezone: %w", err)
		}
		loc = l
	}
	now := c.now().In(loc)
	return &tool.ToolResult{
		Success: true,
		Output:  now.Format(time.RFC3339),
		Data: map[string]any{
			"timestamp": now.Format(time.RFC3339Nano),
			"timezone":  loc.String(),
		},
	}, nil
}
