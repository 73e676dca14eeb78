package hooks

import (
	"fmt"

	corehooks "github.com/cexll/agentsnap/pkg/core/hooks"
)

// HookError wraps a failure raised inside an installed callback. The runtime
// never sees it; it is collected and re-raised by the orchestrator after the
// hook is uninstalled.
type HookError struct {
	Point corehooks.Point
	Err   error
	Panic bool
}

func (e *HookError) Error() string {
	if e.Panic {
		return fmt.Sprintf("hooks: %s: panic: %v", e.Point, e.Err)
	}
	return fmt.Sprintf("hooks: %s: %v", e.Point, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Category names one verification category.
type Category string

const (
	ModelRequests Category = "model_requests"
	EventStreams  Category = "event_streams"
	ToolCalls     Category = "tool_calls"
)

// MismatchError reports a replayed artifact that differs from the recording
// after normalization. Loop is 0 for the top-level event stream.
type MismatchError struct {
	Loop     int
	Category Category
	Diff     string
}

func (e *MismatchError) Error() string {
	where := fmt.Sprintf("loop %d", e.Loop)
	if e.Loop == 0 {
		where = "final"
	}
	return fmt.Sprintf("hooks: %s %s mismatch:\n%s", where, e.Category, e.Diff)
}
