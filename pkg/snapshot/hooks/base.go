package hooks

import (
	"context"
	"log/slog"
	"sync"

	corehooks "github.com/cexll/agentsnap/pkg/core/hooks"
)

// Callbacks are the per-point functions a hook installs. Nil entries are not
// registered.
type Callbacks struct {
	PreModelRequest   func(context.Context, corehooks.ModelRequest) error
	PostModelResponse func(context.Context, corehooks.ModelResponse) error
	StreamChunk       func(context.Context, corehooks.Chunk) error
	LoopStart         func(context.Context, corehooks.Loop) error
	LoopEnd           func(context.Context, corehooks.Loop) error
	PreToolCall       func(context.Context, corehooks.ToolCall) error
	PostToolCall      func(context.Context, corehooks.ToolResult) error
	ToolCallError     func(context.Context, corehooks.ToolError) error
	ProcessToolCalls  func(context.Context, corehooks.ToolBatch) ([]corehooks.Outcome, error)
}

// Base installs guarded callbacks on a runtime registry and removes them
// again. Guarded callbacks never return an error to the runtime; failures go
// to the collector.
type Base struct {
	mu        sync.Mutex
	registry  *corehooks.Registry
	disposers []corehooks.Disposer
	installed bool
	collector *Collector
	logger    *slog.Logger
}

func NewBase(registry *corehooks.Registry, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{registry: registry, collector: NewCollector(logger), logger: logger}
}

func (b *Base) Collector() *Collector { return b.collector }

func (b *Base) Installed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installed
}

// Install registers cb. Installing twice logs a warning and leaves the
// first installation in place.
func (b *Base) Install(cb Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.installed {
		b.logger.Warn("hooks: already installed, ignoring install")
		return
	}
	r := b.registry
	add := func(d corehooks.Disposer) { b.disposers = append(b.disposers, d) }

	if cb.PreModelRequest != nil {
		add(r.OnPreModelRequest(guard(b.collector, corehooks.PreModelRequest, cb.PreModelRequest)))
	}
	if cb.PostModelResponse != nil {
		add(r.OnPostModelResponse(guard(b.collector, corehooks.PostModelResponse, cb.PostModelResponse)))
	}
	if cb.StreamChunk != nil {
		add(r.OnStreamChunk(guard(b.collector, corehooks.StreamChunk, cb.StreamChunk)))
	}
	if cb.LoopStart != nil {
		add(r.OnLoopStart(guard(b.collector, corehooks.LoopStart, cb.LoopStart)))
	}
	if cb.LoopEnd != nil {
		add(r.OnLoopEnd(guard(b.collector, corehooks.LoopEnd, cb.LoopEnd)))
	}
	if cb.PreToolCall != nil {
		add(r.OnPreToolCall(guard(b.collector, corehooks.PreToolCall, cb.PreToolCall)))
	}
	if cb.PostToolCall != nil {
		add(r.OnPostToolCall(guard(b.collector, corehooks.PostToolCall, cb.PostToolCall)))
	}
	if cb.ToolCallError != nil {
		add(r.OnToolCallError(guard(b.collector, corehooks.ToolCallError, cb.ToolCallError)))
	}
	if cb.ProcessToolCalls != nil {
		fn := cb.ProcessToolCalls
		c := b.collector
		add(r.OnProcessToolCalls(func(ctx context.Context, batch corehooks.ToolBatch) ([]corehooks.Outcome, error) {
			var out []corehooks.Outcome
			c.Capture(corehooks.ProcessToolCalls, func() error {
				var err error
				out, err = fn(ctx, batch)
				return err
			})
			return out, nil
		}))
	}
	b.installed = true
	b.logger.Debug("hooks: installed", "listeners", len(b.disposers))
}

// Uninstall removes every registered callback. Uninstalling while not
// installed logs a warning.
func (b *Base) Uninstall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.installed {
		b.logger.Warn("hooks: not installed, ignoring uninstall")
		return
	}
	for _, dispose := range b.disposers {
		dispose()
	}
	b.disposers = nil
	b.installed = false
	b.logger.Debug("hooks: uninstalled")
}

func guard[T any](c *Collector, point corehooks.Point, fn func(context.Context, T) error) corehooks.Handler[T] {
	return func(ctx context.Context, payload T) error {
		c.Capture(point, func() error { return fn(ctx, payload) })
		return nil
	}
}
