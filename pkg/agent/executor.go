package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cexll/agentsnap/pkg/core/events"
	"github.com/cexll/agentsnap/pkg/core/hooks"
	"github.com/cexll/agentsnap/pkg/model"
)

// dispatch resolves every tool call of one loop and returns the tool turns to
// append to the history. A process-tool-calls override replaces live
// execution for the whole batch.
func (rt *Runtime) dispatch(ctx context.Context, sessionID string, loop int, calls []model.ToolCall) ([]model.Message, error) {
	batch := hooks.ToolBatch{Loop: loop, Calls: make([]model.ToolCall, len(calls))}
	for i, call := range calls {
		batch.Calls[i] = model.CloneToolCall(call)
	}
	outcomes, overridden, err := rt.hooks.EmitProcessToolCalls(ctx, batch)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]hooks.Outcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.CallID] = o
	}
	replay := rt.replayMode()

	msgs := make([]model.Message, 0, len(calls))
	for _, call := range calls {
		if err := rt.hooks.EmitPreToolCall(ctx, hooks.ToolCall{Loop: loop, Call: call}); err != nil {
			return nil, err
		}
		rt.record(sessionID, events.ToolUse, loop, events.ToolUsePayload{
			CallID: call.ID,
			Name:   call.Name,
			Params: call.Arguments,
		})

		start := rt.now()
		var outcome hooks.Outcome
		switch {
		case overridden:
			o, ok := byID[call.ID]
			if !ok {
				o = hooks.Outcome{CallID: call.ID, Name: call.Name, Error: fmt.Sprintf("no outcome for tool call %s", call.ID)}
			}
			outcome = o
		case replay:
			outcome = hooks.Outcome{CallID: call.ID, Name: call.Name, Error: "tool dispatch disabled in replay mode"}
		default:
			outcome = rt.execute(ctx, call)
		}
		elapsed := rt.now().Sub(start)

		payload := events.ToolResultPayload{
			CallID:     call.ID,
			Name:       call.Name,
			DurationMs: elapsed.Milliseconds(),
		}
		if outcome.Error != "" {
			if err := rt.hooks.EmitToolCallError(ctx, hooks.ToolError{
				Loop: loop, Call: call, Err: errors.New(outcome.Error), Duration: elapsed,
			}); err != nil {
				return nil, err
			}
			payload.Error = outcome.Error
			rt.record(sessionID, events.ToolFailure, loop, payload)
		} else {
			if err := rt.hooks.EmitPostToolCall(ctx, hooks.ToolResult{
				Loop: loop, Call: call, Result: outcome.Result, Duration: elapsed,
			}); err != nil {
				return nil, err
			}
			payload.Result = outcome.Result
			rt.record(sessionID, events.ToolResult, loop, payload)
		}
		msgs = append(msgs, toolMessage(call, outcome))
	}
	return msgs, nil
}

func (rt *Runtime) execute(ctx context.Context, call model.ToolCall) hooks.Outcome {
	out := hooks.Outcome{CallID: call.ID, Name: call.Name}
	res, err := rt.tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		rt.logger.Debug("agent: tool failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
		out.Error = err.Error()
		return out
	}
	generic, err := toGeneric(res)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Result = generic
	return out
}

// toolMessage encodes an outcome as a tool turn. Results go through a
// generic round trip so live and replayed outcomes serialise identically.
func toolMessage(call model.ToolCall, o hooks.Outcome) model.Message {
	var content string
	if o.Error != "" {
		data, _ := json.Marshal(map[string]any{"error": o.Error})
		content = string(data)
	} else {
		generic, err := toGeneric(o.Result)
		if err != nil {
			generic = fmt.Sprint(o.Result)
		}
		data, _ := json.Marshal(generic)
		content = string(data)
	}
	return model.Message{
		Role:      "tool",
		Content:   content,
		ToolCalls: []model.ToolCall{model.CloneToolCall(call)},
	}
}

func toGeneric(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("agent: encode tool result: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("agent: decode tool result: %w", err)
	}
	return out, nil
}
