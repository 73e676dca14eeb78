package agent

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cexll/agentsnap/pkg/tool"
)

var ErrMissingModel = errors.New("agent: model is required")

const defaultMaxIterations = 16

// Option configures a Runtime.
type Option func(*Runtime)

// WithTools sets the registry the runtime dispatches tool calls to.
func WithTools(reg *tool.Registry) Option {
	return func(rt *Runtime) {
		if reg != nil {
			rt.tools = reg
		}
	}
}

// WithSystemPrompt sets the system prompt sent on every request.
func WithSystemPrompt(prompt string) Option {
	return func(rt *Runtime) { rt.system = prompt }
}

// WithMaxIterations bounds the number of reasoning loops per run.
func WithMaxIterations(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.maxIterations = n
		}
	}
}

// WithStreaming makes the runtime call CompleteStream instead of Complete.
func WithStreaming(enabled bool) Option {
	return func(rt *Runtime) { rt.streaming = enabled }
}

// WithMaxTokens sets the per-request token cap.
func WithMaxTokens(n int) Option {
	return func(rt *Runtime) { rt.maxTokens = n }
}

// WithModelName sets the provider model identifier placed on requests.
func WithModelName(name string) Option {
	return func(rt *Runtime) { rt.modelName = name }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithClock overrides the time source used for event timestamps and tool
// durations.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) {
		if now != nil {
			rt.now = now
		}
	}
}
