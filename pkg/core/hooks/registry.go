package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cexll/agentsnap/pkg/model"
)

// Point names one runtime extension point. The set is closed: runtimes emit
// exactly these nine points and instrumentation registers against them.
type Point string

const (
	PreModelRequest   Point = "pre_model_request"
	PostModelResponse Point = "post_model_response"
	StreamChunk       Point = "stream_chunk"
	LoopStart         Point = "loop_start"
	LoopEnd           Point = "loop_end"
	PreToolCall       Point = "pre_tool_call"
	PostToolCall      Point = "post_tool_call"
	ToolCallError     Point = "tool_call_error"
	ProcessToolCalls  Point = "process_tool_calls"
)

// Points lists every extension point in emission order within a loop.
func Points() []Point {
	return []Point{
		LoopStart, PreModelRequest, StreamChunk, PostModelResponse,
		ProcessToolCalls, PreToolCall, PostToolCall, ToolCallError, LoopEnd,
	}
}

// ModelRequest is emitted before the model is called.
type ModelRequest struct {
	Loop    int
	Request model.Request
}

// ModelResponse is emitted after the model returned, streaming or not.
type ModelResponse struct {
	Loop     int
	Response model.Response
}

// Chunk is emitted for every streaming chunk in emission order.
type Chunk struct {
	Loop  int
	Index int
	Chunk model.StreamResult
}

// Loop is emitted at the start and end of every reasoning iteration.
type Loop struct {
	Loop int
}

// ToolCall is emitted before a tool is dispatched.
type ToolCall struct {
	Loop int
	Call model.ToolCall
}

// ToolResult is emitted after a tool succeeded.
type ToolResult struct {
	Loop     int
	Call     model.ToolCall
	Result   any
	Duration time.Duration
}

// ToolError is emitted after a tool failed.
type ToolError struct {
	Loop     int
	Call     model.ToolCall
	Err      error
	Duration time.Duration
}

// ToolBatch is offered to ProcessToolCalls listeners before dispatch.
type ToolBatch struct {
	Loop  int
	Calls []model.ToolCall
}

// Outcome is the result of one tool call. Exactly one of Result or Error is
// meaningful; a non-empty Error marks the failure path.
type Outcome struct {
	CallID string
	Name   string
	Result any
	Error  string
}

// Handler observes one extension point. A returned error aborts the run.
type Handler[T any] func(ctx context.Context, payload T) error

// BatchHandler may replace the runtime's own tool dispatch. Returning a nil
// slice leaves dispatch to the runtime.
type BatchHandler func(ctx context.Context, batch ToolBatch) ([]Outcome, error)

// Disposer unregisters a listener. Calling it more than once is a no-op.
type Disposer func()

type entry[F any] struct {
	id uint64
	fn F
}

// Registry holds extension-point listeners for one runtime. It is safe for
// concurrent registration and emission.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64

	preModel  []entry[Handler[ModelRequest]]
	postModel []entry[Handler[ModelResponse]]
	chunks    []entry[Handler[Chunk]]
	loopStart []entry[Handler[Loop]]
	loopEnd   []entry[Handler[Loop]]
	preTool   []entry[Handler[ToolCall]]
	postTool  []entry[Handler[ToolResult]]
	toolErr   []entry[Handler[ToolError]]
	batch     []entry[BatchHandler]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) OnPreModelRequest(fn Handler[ModelRequest]) Disposer {
	return register(r, &r.preModel, fn)
}

func (r *Registry) OnPostModelResponse(fn Handler[ModelResponse]) Disposer {
	return register(r, &r.postModel, fn)
}

func (r *Registry) OnStreamChunk(fn Handler[Chunk]) Disposer {
	return register(r, &r.chunks, fn)
}

func (r *Registry) OnLoopStart(fn Handler[Loop]) Disposer {
	return register(r, &r.loopStart, fn)
}

func (r *Registry) OnLoopEnd(fn Handler[Loop]) Disposer {
	return register(r, &r.loopEnd, fn)
}

func (r *Registry) OnPreToolCall(fn Handler[ToolCall]) Disposer {
	return register(r, &r.preTool, fn)
}

func (r *Registry) OnPostToolCall(fn Handler[ToolResult]) Disposer {
	return register(r, &r.postTool, fn)
}

func (r *Registry) OnToolCallError(fn Handler[ToolError]) Disposer {
	return register(r, &r.toolErr, fn)
}

func (r *Registry) OnProcessToolCalls(fn BatchHandler) Disposer {
	return register(r, &r.batch, fn)
}

func (r *Registry) EmitPreModelRequest(ctx context.Context, p ModelRequest) error {
	return emit(ctx, PreModelRequest, snapshot(r, &r.preModel), p)
}

func (r *Registry) EmitPostModelResponse(ctx context.Context, p ModelResponse) error {
	return emit(ctx, PostModelResponse, snapshot(r, &r.postModel), p)
}

func (r *Registry) EmitStreamChunk(ctx context.Context, p Chunk) error {
	return emit(ctx, StreamChunk, snapshot(r, &r.chunks), p)
}

func (r *Registry) EmitLoopStart(ctx context.Context, p Loop) error {
	return emit(ctx, LoopStart, snapshot(r, &r.loopStart), p)
}

func (r *Registry) EmitLoopEnd(ctx context.Context, p Loop) error {
	return emit(ctx, LoopEnd, snapshot(r, &r.loopEnd), p)
}

func (r *Registry) EmitPreToolCall(ctx context.Context, p ToolCall) error {
	return emit(ctx, PreToolCall, snapshot(r, &r.preTool), p)
}

func (r *Registry) EmitPostToolCall(ctx context.Context, p ToolResult) error {
	return emit(ctx, PostToolCall, snapshot(r, &r.postTool), p)
}

func (r *Registry) EmitToolCallError(ctx context.Context, p ToolError) error {
	return emit(ctx, ToolCallError, snapshot(r, &r.toolErr), p)
}

// EmitProcessToolCalls offers the batch to listeners in registration order.
// The first listener returning a non-nil outcome list overrides dispatch;
// ok reports whether an override was produced.
func (r *Registry) EmitProcessToolCalls(ctx context.Context, p ToolBatch) (outcomes []Outcome, ok bool, err error) {
	for _, fn := range snapshot(r, &r.batch) {
		out, err := fn(ctx, p)
		if err != nil {
			return nil, false, fmt.Errorf("hooks: %s: %w", ProcessToolCalls, err)
		}
		if out != nil {
			return out, true, nil
		}
	}
	return nil, false, nil
}

// Len reports how many listeners are registered for a point.
func (r *Registry) Len(p Point) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch p {
	case PreModelRequest:
		return len(r.preModel)
	case PostModelResponse:
		return len(r.postModel)
	case StreamChunk:
		return len(r.chunks)
	case LoopStart:
		return len(r.loopStart)
	case LoopEnd:
		return len(r.loopEnd)
	case PreToolCall:
		return len(r.preTool)
	case PostToolCall:
		return len(r.postTool)
	case ToolCallError:
		return len(r.toolErr)
	case ProcessToolCalls:
		return len(r.batch)
	default:
		return 0
	}
}

func register[F any](r *Registry, list *[]entry[F], fn F) Disposer {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	*list = append(*list, entry[F]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range *list {
				if e.id == id {
					*list = append((*list)[:i:i], (*list)[i+1:]...)
					return
				}
			}
		})
	}
}

// snapshot copies the listener list so registrations made during emission
// only affect later events.
func snapshot[F any](r *Registry, list *[]entry[F]) []F {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(*list) == 0 {
		return nil
	}
	out := make([]F, len(*list))
	for i, e := range *list {
		out[i] = e.fn
	}
	return out
}

func emit[T any](ctx context.Context, p Point, fns []Handler[T], payload T) error {
	for _, fn := range fns {
		if err := fn(ctx, payload); err != nil {
			return fmt.Errorf("hooks: %s: %w", p, err)
		}
	}
	return nil
}
