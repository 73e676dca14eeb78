package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/agentsnap/pkg/core/events"
	"github.com/cexll/agentsnap/pkg/core/hooks"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/tool"
)

// ErrMaxIterations is returned when the model keeps requesting tools past the
// iteration bound.
var ErrMaxIterations = errors.New("agent: max iterations reached")

// Result is the outcome of one Run.
type Result struct {
	Output     string      `json:"output"`
	Usage      model.Usage `json:"usage"`
	StopReason string      `json:"stop_reason,omitempty"`
	Loops      int         `json:"loops"`
	SessionID  string      `json:"session_id"`
}

// Runtime is a ReAct-style agent loop: call the model, dispatch any tool
// calls, feed results back, repeat until the model stops asking for tools.
// Every step is surfaced through the hooks registry.
type Runtime struct {
	runMu sync.Mutex

	mu     sync.RWMutex
	model  model.Model
	replay bool
	events []events.Event
	loops  int

	hooks         *hooks.Registry
	tools         *tool.Registry
	system        string
	maxIterations int
	maxTokens     int
	modelName     string
	streaming     bool
	logger        *slog.Logger
	now           func() time.Time
}

// New builds a runtime around the given model.
func New(m model.Model, opts ...Option) (*Runtime, error) {
	if m == nil {
		return nil, ErrMissingModel
	}
	rt := &Runtime{
		model:         m,
		hooks:         hooks.NewRegistry(),
		tools:         tool.NewRegistry(),
		maxIterations: defaultMaxIterations,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}
	return rt, nil
}

// Hooks exposes the extension-point registry.
func (rt *Runtime) Hooks() *hooks.Registry { return rt.hooks }

// Tools exposes the tool registry.
func (rt *Runtime) Tools() *tool.Registry { return rt.tools }

// Model returns the model used by the next run.
func (rt *Runtime) Model() model.Model {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.model
}

// SetModel swaps the model and returns the previous one.
func (rt *Runtime) SetModel(m model.Model) model.Model {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prev := rt.model
	rt.model = m
	return prev
}

// SetReplayMode toggles replay mode. In replay mode tools are never executed
// live; outcomes must come from a process-tool-calls listener.
func (rt *Runtime) SetReplayMode(enabled bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.replay = enabled
}

func (rt *Runtime) replayMode() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.replay
}

// Events returns a copy of the cumulative event stream of the current or
// last run.
func (rt *Runtime) Events() []events.Event {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]events.Event, len(rt.events))
	copy(out, rt.events)
	return out
}

// LoopCount reports how many loops the current or last run started.
func (rt *Runtime) LoopCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.loops
}

// Run executes one conversation starting from input. Runs are serialised.
func (rt *Runtime) Run(ctx context.Context, input string) (*Result, error) {
	if ctx == nil {
		return nil, errors.New("agent: context is nil")
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("agent: input is empty")
	}
	rt.runMu.Lock()
	defer rt.runMu.Unlock()

	m := rt.Model()
	if m == nil {
		return nil, ErrMissingModel
	}
	sessionID := uuid.NewString()
	rt.reset()
	rt.record(sessionID, events.UserPromptSubmit, 0, events.UserPromptPayload{Prompt: input})

	history := []model.Message{{Role: "user", Content: input}}
	var usage model.Usage
	for loop := 1; loop <= rt.maxIterations; loop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rt.setLoops(loop)
		rt.logger.Debug("agent: loop started", "loop", loop, "session_id", sessionID)
		if err := rt.hooks.EmitLoopStart(ctx, hooks.Loop{Loop: loop}); err != nil {
			return nil, err
		}

		resp, err := rt.complete(ctx, m, loop, history)
		if err != nil {
			return nil, err
		}
		usage = addUsage(usage, resp.Usage)
		msg := model.CloneMessage(resp.Message)
		if msg.Role == "" {
			msg.Role = "assistant"
		}
		history = append(history, msg)
		rt.record(sessionID, events.AssistantMessage, loop, events.AssistantMessagePayload{
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			StopReason: resp.StopReason,
		})

		if len(msg.ToolCalls) == 0 {
			rt.record(sessionID, events.LoopCompleted, loop, events.LoopPayload{})
			if err := rt.hooks.EmitLoopEnd(ctx, hooks.Loop{Loop: loop}); err != nil {
				return nil, err
			}
			rt.record(sessionID, events.Stop, loop, events.StopPayload{Reason: resp.StopReason})
			return &Result{
				Output:     msg.Content,
				Usage:      usage,
				StopReason: resp.StopReason,
				Loops:      loop,
				SessionID:  sessionID,
			}, nil
		}

		results, err := rt.dispatch(ctx, sessionID, loop, msg.ToolCalls)
		if err != nil {
			return nil, err
		}
		history = append(history, results...)
		rt.record(sessionID, events.LoopCompleted, loop, events.LoopPayload{ToolCalls: len(msg.ToolCalls)})
		if err := rt.hooks.EmitLoopEnd(ctx, hooks.Loop{Loop: loop}); err != nil {
			return nil, err
		}
	}
	rt.record(sessionID, events.Stop, rt.LoopCount(), events.StopPayload{Reason: "max_iterations"})
	return nil, fmt.Errorf("%w (%d)", ErrMaxIterations, rt.maxIterations)
}

func (rt *Runtime) complete(ctx context.Context, m model.Model, loop int, history []model.Message) (*model.Response, error) {
	req := model.Request{
		Messages:  model.CloneMessages(history),
		Tools:     rt.tools.Definitions(),
		System:    rt.system,
		MaxTokens: rt.maxTokens,
		Model:     rt.modelName,
	}
	if err := rt.hooks.EmitPreModelRequest(ctx, hooks.ModelRequest{Loop: loop, Request: req}); err != nil {
		return nil, err
	}

	var resp *model.Response
	if rt.streaming {
		var err error
		resp, err = rt.stream(ctx, m, loop, req)
		if err != nil {
			return nil, fmt.Errorf("agent: model stream (loop %d): %w", loop, err)
		}
	} else {
		var err error
		resp, err = m.Complete(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("agent: model call (loop %d): %w", loop, err)
		}
		if resp == nil {
			return nil, fmt.Errorf("agent: model call (loop %d): empty response", loop)
		}
	}

	if err := rt.hooks.EmitPostModelResponse(ctx, hooks.ModelResponse{Loop: loop, Response: *resp}); err != nil {
		return nil, err
	}
	return resp, nil
}

// stream forwards every chunk to listeners and assembles the response. The
// final chunk's response wins when present.
func (rt *Runtime) stream(ctx context.Context, m model.Model, loop int, req model.Request) (*model.Response, error) {
	var (
		index   int
		content strings.Builder
		calls   []model.ToolCall
		final   *model.Response
	)
	err := m.CompleteStream(ctx, req, func(chunk model.StreamResult) error {
		if err := rt.hooks.EmitStreamChunk(ctx, hooks.Chunk{Loop: loop, Index: index, Chunk: chunk}); err != nil {
			return err
		}
		index++
		content.WriteString(chunk.Delta)
		if chunk.ToolCall != nil {
			calls = append(calls, model.CloneToolCall(*chunk.ToolCall))
		}
		if chunk.Final && chunk.Response != nil {
			final = chunk.Response
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final == nil {
		stop := "end_turn"
		if len(calls) > 0 {
			stop = "tool_use"
		}
		final = &model.Response{
			Message:    model.Message{Role: "assistant", Content: content.String(), ToolCalls: calls},
			StopReason: stop,
		}
	}
	return final, nil
}

func (rt *Runtime) reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.events = nil
	rt.loops = 0
}

func (rt *Runtime) setLoops(n int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.loops = n
}

func (rt *Runtime) record(sessionID string, typ events.EventType, loop int, payload any) {
	evt := events.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: rt.now().UTC(),
		SessionID: sessionID,
		Loop:      loop,
		Payload:   payload,
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.events = append(rt.events, evt)
}

func addUsage(total, next model.Usage) model.Usage {
	total.InputTokens += next.InputTokens
	total.OutputTokens += next.OutputTokens
	total.TotalTokens += next.TotalTokens
	total.CacheReadTokens += next.CacheReadTokens
	total.CacheCreationTokens += next.CacheCreationTokens
	return total
}
