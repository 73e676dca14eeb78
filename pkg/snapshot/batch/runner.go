// Package batch runs named snapshot cases from a manifest.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/agentsnap/pkg/snapshot"
	"github.com/cexll/agentsnap/pkg/snapshot/normalize"
)

// Mode selects what a batch does with each case.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeTest     Mode = "test"
	ModeUpdate   Mode = "update"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeGenerate, ModeTest, ModeUpdate:
		return m, nil
	default:
		return "", fmt.Errorf("batch: unknown mode %q", s)
	}
}

// Factory builds a fresh runtime for one case.
type Factory func(ctx context.Context, c Case) (snapshot.Runtime, error)

// Registry maps runtime kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory. Kinds are unique.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" {
		return errors.New("batch: runtime kind is empty")
	}
	if f == nil {
		return fmt.Errorf("batch: factory for %q is nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("batch: runtime kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

func (r *Registry) Lookup(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds lists registered kinds sorted by name.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CaseResult is the outcome of one case. Exactly one of Generate, Test or
// Err is set.
type CaseResult struct {
	Case     string
	Mode     Mode
	Generate *snapshot.GenerateResult
	Test     *snapshot.TestResult
	Err      error
	Duration time.Duration
}

// Passed reports whether the case succeeded.
func (r CaseResult) Passed() bool { return r.Err == nil }

// Option configures a Runner.
type Option func(*Runner)

func WithVerification(v snapshot.Verification) Option {
	return func(r *Runner) { r.verification = v }
}

func WithNormalizer(n *normalize.Normalizer) Option {
	return func(r *Runner) { r.normalizer = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithDefaultKind sets the runtime kind for cases that do not name one.
func WithDefaultKind(kind string) Option {
	return func(r *Runner) { r.defaultKind = kind }
}

// Runner drives one fresh Snapshot per case, sequentially.
type Runner struct {
	registry     *Registry
	root         string
	defaultKind  string
	verification snapshot.Verification
	normalizer   *normalize.Normalizer
	logger       *slog.Logger
	tracer       trace.Tracer
}

func NewRunner(registry *Registry, root string, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		root:     root,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/cexll/agentsnap/pkg/snapshot/batch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run executes every case in order. Failures are reported per case and the
// returned error joins all of them.
func (r *Runner) Run(ctx context.Context, mode Mode, cases []Case) ([]CaseResult, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	results := make([]CaseResult, 0, len(cases))
	var errs []error
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res := r.runCase(ctx, mode, c)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("case %q: %w", c.Name, res.Err))
			r.logger.Error("batch: case failed", "case", c.Name, "mode", mode, "error", res.Err)
		} else {
			r.logger.Info("batch: case passed", "case", c.Name, "mode", mode, "duration", res.Duration)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (r *Runner) runCase(ctx context.Context, mode Mode, c Case) (res CaseResult) {
	res = CaseResult{Case: c.Name, Mode: mode}
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "batch.case", trace.WithAttributes(
		attribute.String("case.name", c.Name),
		attribute.String("case.mode", string(mode)),
	))
	defer func() {
		res.Duration = time.Since(start)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	s, err := r.snapshot(ctx, c)
	if err != nil {
		res.Err = err
		return res
	}
	switch mode {
	case ModeGenerate:
		res.Generate, res.Err = s.Generate(ctx, c.Input)
	case ModeTest:
		res.Test, res.Err = s.Test(ctx, c.Input, snapshot.TestConfig{Verify: c.Verify, Timeout: c.Timeout})
	case ModeUpdate:
		res.Test, res.Err = s.Test(ctx, c.Input, snapshot.TestConfig{Update: snapshot.Bool(true), Verify: c.Verify, Timeout: c.Timeout})
	}
	return res
}

func (r *Runner) snapshot(ctx context.Context, c Case) (*snapshot.Snapshot, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	kind := c.Runtime
	if kind == "" {
		kind = r.defaultKind
	}
	if kind == "" {
		return nil, &InvalidCaseError{Case: c.Name, Reason: "missing runtime"}
	}
	factory, ok := r.registry.Lookup(kind)
	if !ok {
		return nil, &InvalidCaseError{Case: c.Name, Reason: fmt.Sprintf("unknown runtime %q", kind)}
	}
	rt, err := factory(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("build runtime %q: %w", kind, err)
	}
	if rt == nil {
		return nil, &InvalidCaseError{Case: c.Name, Reason: fmt.Sprintf("runtime %q factory returned nil", kind)}
	}
	return snapshot.New(rt, snapshot.Options{
		Root:         r.root,
		Name:         c.Name,
		Verification: r.verification,
		Normalizer:   r.normalizer,
		Logger:       r.logger,
		Tracer:       r.tracer,
	})
}
