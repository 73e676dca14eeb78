package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cexll/agentsnap/pkg/core/events"
	corehooks "github.com/cexll/agentsnap/pkg/core/hooks"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
)

// EventSource exposes the runtime's cumulative event stream.
type EventSource interface {
	Events() []events.Event
}

// EventValues converts an event stream into storable values.
func EventValues(evts []events.Event) []any {
	out := make([]any, len(evts))
	for i, evt := range evts {
		out[i] = evt
	}
	return out
}

// Generate records every artifact of a live run into a store. Requests and
// responses are written as they happen; chunks, tool calls and the event
// stream are buffered per loop and written once at loop end.
type Generate struct {
	base   *Base
	store  *store.Store
	source EventSource
	logger *slog.Logger

	mu     sync.Mutex
	chunks map[int][]any
	calls  map[int][]*store.ToolCallRecord
}

func NewGenerate(registry *corehooks.Registry, st *store.Store, source EventSource, logger *slog.Logger) *Generate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generate{
		base:   NewBase(registry, logger),
		store:  st,
		source: source,
		logger: logger,
		chunks: map[int][]any{},
		calls:  map[int][]*store.ToolCallRecord{},
	}
}

func (g *Generate) Install() {
	g.base.Install(Callbacks{
		PreModelRequest:   g.preModelRequest,
		PostModelResponse: g.postModelResponse,
		StreamChunk:       g.streamChunk,
		LoopEnd:           g.loopEnd,
		PreToolCall:       g.preToolCall,
		PostToolCall:      g.postToolCall,
		ToolCallError:     g.toolCallError,
	})
}

func (g *Generate) Uninstall()            { g.base.Uninstall() }
func (g *Generate) Installed() bool       { return g.base.Installed() }
func (g *Generate) Collector() *Collector { return g.base.Collector() }

func (g *Generate) preModelRequest(_ context.Context, p corehooks.ModelRequest) error {
	return g.store.Write(p.Loop, store.Request, []any{p.Request})
}

// postModelResponse records non-streamed responses only; a streamed loop
// is fully described by its chunks.
func (g *Generate) postModelResponse(_ context.Context, p corehooks.ModelResponse) error {
	g.mu.Lock()
	streamed := len(g.chunks[p.Loop]) > 0
	g.mu.Unlock()
	if streamed {
		return nil
	}
	return g.store.Write(p.Loop, store.Response, []any{p.Response})
}

func (g *Generate) streamChunk(_ context.Context, p corehooks.Chunk) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chunks[p.Loop] = append(g.chunks[p.Loop], p.Chunk)
	return nil
}

func (g *Generate) preToolCall(_ context.Context, p corehooks.ToolCall) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[p.Loop] = append(g.calls[p.Loop], &store.ToolCallRecord{
		ID:   p.Call.ID,
		Name: p.Call.Name,
		Args: p.Call.Arguments,
	})
	return nil
}

func (g *Generate) postToolCall(_ context.Context, p corehooks.ToolResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.pending(p.Loop, p.Call.ID)
	if rec == nil {
		rec = &store.ToolCallRecord{ID: p.Call.ID, Name: p.Call.Name, Args: p.Call.Arguments}
		g.calls[p.Loop] = append(g.calls[p.Loop], rec)
	}
	rec.Result = p.Result
	rec.DurationMs = p.Duration.Milliseconds()
	return nil
}

func (g *Generate) toolCallError(_ context.Context, p corehooks.ToolError) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.pending(p.Loop, p.Call.ID)
	if rec == nil {
		rec = &store.ToolCallRecord{ID: p.Call.ID, Name: p.Call.Name, Args: p.Call.Arguments}
		g.calls[p.Loop] = append(g.calls[p.Loop], rec)
	}
	if p.Err != nil {
		rec.Error = p.Err.Error()
	} else {
		rec.Error = "tool failed"
	}
	rec.DurationMs = p.Duration.Milliseconds()
	return nil
}

func (g *Generate) pending(loop int, id string) *store.ToolCallRecord {
	for _, rec := range g.calls[loop] {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (g *Generate) loopEnd(_ context.Context, p corehooks.Loop) error {
	g.mu.Lock()
	chunks := g.chunks[p.Loop]
	calls := g.calls[p.Loop]
	delete(g.chunks, p.Loop)
	delete(g.calls, p.Loop)
	g.mu.Unlock()

	if len(chunks) > 0 {
		if err := g.store.Write(p.Loop, store.Stream, chunks); err != nil {
			return err
		}
	}
	failed := 0
	if len(calls) > 0 {
		records := make([]store.ToolCallRecord, len(calls))
		for i, rec := range calls {
			records[i] = *rec
			if !rec.Succeeded() {
				failed++
			}
		}
		if err := g.store.WriteToolCalls(p.Loop, records); err != nil {
			return err
		}
	}
	if err := g.store.Write(p.Loop, store.EventStream, EventValues(g.source.Events())); err != nil {
		return err
	}
	g.logger.Debug("hooks: loop recorded", "snapshot", g.store.Name(), "loop", p.Loop, "chunks", len(chunks), "tool_calls", len(calls), "tool_errors", failed)
	return nil
}
