package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cexll/agentsnap/pkg/core/events"
	"github.com/cexll/agentsnap/pkg/core/hooks"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/model/modeltest"
	"github.com/cexll/agentsnap/pkg/tool"
)

type echoTool struct {
	mu    sync.Mutex
	calls int
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echo text" }
func (e *echoTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type:       "object",
		Properties: map[string]any{"text": map[string]any{"type": "string"}},
		Required:   []string{"text"},
	}
}
func (e *echoTool) Execute(_ context.Context, params map[string]any) (*tool.ToolResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return &tool.ToolResult{Success: true, Output: params["text"].(string)}, nil
}

func toolTurn(id, text string) modeltest.Response {
	return modeltest.Response{Message: model.Message{ToolCalls: []model.ToolCall{{
		ID: id, Name: "echo", Arguments: map[string]any{"text": text},
	}}}}
}

func textTurn(content string) modeltest.Response {
	return modeltest.Response{Message: model.Message{Content: content}, Usage: model.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}}
}

func newRuntime(t *testing.T, m model.Model, opts ...Option) (*Runtime, *echoTool) {
	t.Helper()
	echo := &echoTool{}
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(echo))
	rt, err := New(m, append([]Option{WithTools(reg)}, opts...)...)
	require.NoError(t, err)
	return rt, echo
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrMissingModel)
}

func TestRunSimple(t *testing.T) {
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(textTurn("done")))
	res, err := rt.Run(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "done", res.Output)
	require.Equal(t, 1, res.Loops)
	require.Equal(t, 5, res.Usage.TotalTokens)
	require.NotEmpty(t, res.SessionID)
	require.Equal(t, 1, rt.LoopCount())

	var types []events.EventType
	for _, evt := range rt.Events() {
		types = append(types, evt.Type)
		require.Equal(t, res.SessionID, evt.SessionID)
		require.NoError(t, evt.Validate())
	}
	require.Equal(t, []events.EventType{events.UserPromptSubmit, events.AssistantMessage, events.LoopCompleted, events.Stop}, types)
}

func TestRunRejectsEmptyInput(t *testing.T) {
	rt, _ := newRuntime(t, modeltest.NewScriptedModel())
	_, err := rt.Run(context.Background(), "   ")
	require.ErrorContains(t, err, "input is empty")
}

func TestRunToolFlowFiresHooksInOrder(t *testing.T) {
	scripted := modeltest.NewScriptedModel(toolTurn("call-1", "hi"), textTurn("done"))
	rt, echo := newRuntime(t, scripted)

	var trace []string
	reg := rt.Hooks()
	reg.OnLoopStart(func(_ context.Context, p hooks.Loop) error { trace = append(trace, "loop_start"); return nil })
	reg.OnPreModelRequest(func(context.Context, hooks.ModelRequest) error { trace = append(trace, "pre_model"); return nil })
	reg.OnPostModelResponse(func(context.Context, hooks.ModelResponse) error { trace = append(trace, "post_model"); return nil })
	reg.OnProcessToolCalls(func(context.Context, hooks.ToolBatch) ([]hooks.Outcome, error) {
		trace = append(trace, "process")
		return nil, nil
	})
	reg.OnPreToolCall(func(context.Context, hooks.ToolCall) error { trace = append(trace, "pre_tool"); return nil })
	reg.OnPostToolCall(func(_ context.Context, p hooks.ToolResult) error {
		trace = append(trace, "post_tool")
		require.Equal(t, "hi", p.Result.(map[string]any)["output"])
		return nil
	})
	reg.OnLoopEnd(func(context.Context, hooks.Loop) error { trace = append(trace, "loop_end"); return nil })

	res, err := rt.Run(context.Background(), "call tool")
	require.NoError(t, err)
	require.Equal(t, "done", res.Output)
	require.Equal(t, 2, res.Loops)
	require.Equal(t, 1, echo.calls)
	require.Equal(t, []string{
		"loop_start", "pre_model", "post_model", "process", "pre_tool", "post_tool", "loop_end",
		"loop_start", "pre_model", "post_model", "loop_end",
	}, trace)

	reqs := scripted.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, "tool", last.Role)
	require.Equal(t, `{"output":"hi","success":true}`, last.Content)
}

func TestRunToolFailureIsFedBack(t *testing.T) {
	scripted := modeltest.NewScriptedModel(
		modeltest.Response{Message: model.Message{ToolCalls: []model.ToolCall{{ID: "c1", Name: "echo"}}}},
		textTurn("recovered"),
	)
	rt, echo := newRuntime(t, scripted)
	var failure error
	rt.Hooks().OnToolCallError(func(_ context.Context, p hooks.ToolError) error {
		failure = p.Err
		return nil
	})

	_, err := rt.Run(context.Background(), "go")
	require.NoError(t, err)
	require.Zero(t, echo.calls)
	require.ErrorContains(t, failure, "validation failed")
	msgs := scripted.Requests()[1].Messages
	require.True(t, strings.HasPrefix(msgs[len(msgs)-1].Content, `{"error":`))

	var found bool
	for _, evt := range rt.Events() {
		if evt.Type == events.ToolFailure {
			found = true
		}
	}
	require.True(t, found)
}

func TestRunProcessToolCallsOverrideSkipsExecution(t *testing.T) {
	rt, echo := newRuntime(t, modeltest.NewScriptedModel(toolTurn("c1", "live"), textTurn("done")))
	rt.Hooks().OnProcessToolCalls(func(_ context.Context, b hooks.ToolBatch) ([]hooks.Outcome, error) {
		return []hooks.Outcome{{CallID: b.Calls[0].ID, Name: "echo", Result: map[string]any{"output": "recorded"}}}, nil
	})
	var got any
	rt.Hooks().OnPostToolCall(func(_ context.Context, p hooks.ToolResult) error {
		got = p.Result
		return nil
	})
	_, err := rt.Run(context.Background(), "go")
	require.NoError(t, err)
	require.Zero(t, echo.calls)
	require.Equal(t, map[string]any{"output": "recorded"}, got)
}

func TestReplayModeNeverExecutesTools(t *testing.T) {
	rt, echo := newRuntime(t, modeltest.NewScriptedModel(toolTurn("c1", "x"), textTurn("done")))
	rt.SetReplayMode(true)
	_, err := rt.Run(context.Background(), "go")
	require.NoError(t, err)
	require.Zero(t, echo.calls)
}

func TestRunStreamingEmitsChunks(t *testing.T) {
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(textTurn("hello streaming world")), WithStreaming(true))
	var deltas []string
	var indices []int
	rt.Hooks().OnStreamChunk(func(_ context.Context, c hooks.Chunk) error {
		deltas = append(deltas, c.Chunk.Delta)
		indices = append(indices, c.Index)
		return nil
	})
	res, err := rt.Run(context.Background(), "stream please")
	require.NoError(t, err)
	require.Equal(t, "hello streaming world", res.Output)
	require.Equal(t, []string{"hello ", "streaming ", "world", ""}, deltas)
	require.Equal(t, []int{0, 1, 2, 3}, indices)
}

func TestRunPropagatesModelError(t *testing.T) {
	boom := errors.New("model refused")
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(modeltest.Response{Err: boom}))
	res, err := rt.Run(context.Background(), "please")
	require.ErrorIs(t, err, boom)
	require.Nil(t, res)
}

func TestRunAbortsOnListenerError(t *testing.T) {
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(textTurn("done")))
	boom := errors.New("listener failed")
	rt.Hooks().OnPreModelRequest(func(context.Context, hooks.ModelRequest) error { return boom })
	_, err := rt.Run(context.Background(), "hi")
	require.ErrorIs(t, err, boom)
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(toolTurn("a", "1"), toolTurn("b", "2"), toolTurn("c", "3")), WithMaxIterations(2))
	_, err := rt.Run(context.Background(), "loop forever")
	require.ErrorIs(t, err, ErrMaxIterations)
	require.Equal(t, 2, rt.LoopCount())
}

func TestRunHonoursCancelledContext(t *testing.T) {
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(textTurn("done")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rt.Run(ctx, "hi")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSetModelReturnsPrevious(t *testing.T) {
	first := modeltest.NewScriptedModel(textTurn("one"))
	second := modeltest.NewScriptedModel(textTurn("two"))
	rt, _ := newRuntime(t, first)
	prev := rt.SetModel(second)
	require.Same(t, first, prev)

	res, err := rt.Run(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "two", res.Output)
	require.Same(t, second, rt.SetModel(prev))
}
