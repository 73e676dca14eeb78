// Package snapshot records agent runs to disk and replays them as
// deterministic tests.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/agentsnap/pkg/agent"
	"github.com/cexll/agentsnap/pkg/core/events"
	corehooks "github.com/cexll/agentsnap/pkg/core/hooks"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/snapshot/hooks"
	"github.com/cexll/agentsnap/pkg/snapshot/normalize"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
)

const tracerName = "github.com/cexll/agentsnap/pkg/snapshot"

// Runtime is the surface an agent runtime exposes to be recorded and
// replayed.
type Runtime interface {
	Hooks() *corehooks.Registry
	Run(ctx context.Context, input string) (*agent.Result, error)
	Events() []events.Event
	LoopCount() int
	// SetModel swaps the model client and returns the previous one.
	SetModel(model.Model) model.Model
	SetReplayMode(enabled bool)
}

var _ Runtime = (*agent.Runtime)(nil)

// Verification toggles the verification categories. Nil fields defer to the
// next level: per-call settings, then orchestrator options, then true.
type Verification struct {
	ModelRequests *bool `json:"model_requests,omitempty" yaml:"model_requests,omitempty"`
	EventStreams  *bool `json:"event_streams,omitempty" yaml:"event_streams,omitempty"`
	ToolCalls     *bool `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

func (v Verification) resolve(defaults Verification) hooks.Checks {
	return hooks.Checks{
		ModelRequests: pick(v.ModelRequests, defaults.ModelRequests),
		EventStreams:  pick(v.EventStreams, defaults.EventStreams),
		ToolCalls:     pick(v.ToolCalls, defaults.ToolCalls),
	}
}

func pick(vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return true
}

// Options configures a Snapshot.
type Options struct {
	// Root is the directory holding every snapshot.
	Root string
	// Name selects the snapshot directory below Root.
	Name         string
	Verification Verification
	// Update rewrites mismatching artifacts during Test.
	Update     bool
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// TestConfig overrides options for a single Test call.
type TestConfig struct {
	Update *bool
	Verify Verification
	// Timeout bounds the replayed run; zero means no deadline.
	Timeout time.Duration
}

// GenerateResult describes a recorded run.
type GenerateResult struct {
	Name     string         `json:"name"`
	Response *agent.Result  `json:"response"`
	Events   []events.Event `json:"events"`
	Loops    int            `json:"loops"`
	Duration time.Duration  `json:"duration"`
}

// TestResult describes a verified replay.
type TestResult struct {
	Name     string         `json:"name"`
	RunID    string         `json:"run_id"`
	Response *agent.Result  `json:"response"`
	Events   []events.Event `json:"events"`
	Loops    int            `json:"loops"`
	Duration time.Duration  `json:"duration"`
	Updated  []hooks.Update `json:"updated,omitempty"`
}

// Snapshot drives record and replay of one named snapshot against one
// runtime. A Snapshot runs one invocation at a time.
type Snapshot struct {
	mu         sync.Mutex
	rt         Runtime
	store      *store.Store
	opts       Options
	normalizer *normalize.Normalizer
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New binds rt to the snapshot opts.Name below opts.Root.
func New(rt Runtime, opts Options) (*Snapshot, error) {
	if rt == nil {
		return nil, errors.New("snapshot: runtime is nil")
	}
	st, err := store.New(opts.Root, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	s := &Snapshot{
		rt:         rt,
		store:      st,
		opts:       opts,
		normalizer: opts.Normalizer,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}
	if s.normalizer == nil {
		s.normalizer = normalize.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("snapshot", opts.Name)
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s, nil
}

// Name returns the snapshot name.
func (s *Snapshot) Name() string { return s.store.Name() }

// Store exposes the underlying artifact store.
func (s *Snapshot) Store() *store.Store { return s.store }

// Generate runs rt live and records every loop, replacing any previous
// recording of the same name. The previous recording is kept when the run
// fails.
func (s *Snapshot) Generate(ctx context.Context, input string) (res *GenerateResult, err error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "snapshot.generate", trace.WithAttributes(attribute.String("snapshot.name", s.Name())))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	staged, err := s.store.Stage()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if derr := staged.Discard(); derr != nil {
			s.logger.Warn("snapshot: discard staged recording", "error", derr)
		}
	}()

	gen := hooks.NewGenerate(s.rt.Hooks(), staged, s.rt, s.logger)
	out, runErr := func() (*agent.Result, error) {
		gen.Install()
		defer gen.Uninstall()
		return s.rt.Run(ctx, input)
	}()
	if runErr != nil {
		return nil, errors.Join(fmt.Errorf("snapshot %q: generate: %w", s.Name(), runErr), gen.Collector().Err())
	}
	if err := gen.Collector().Err(); err != nil {
		return nil, err
	}

	evts := s.rt.Events()
	if err := staged.Write(store.TopLevel, store.EventStream, hooks.EventValues(evts)); err != nil {
		return nil, err
	}
	loops, err := staged.CountLoops()
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(staged); err != nil {
		return nil, err
	}
	committed = true
	span.SetAttributes(attribute.Int("snapshot.loops", loops))
	s.logger.Info("snapshot: generated", "loops", loops, "events", len(evts))
	return &GenerateResult{
		Name:     s.Name(),
		Response: out,
		Events:   evts,
		Loops:    loops,
		Duration: time.Since(start),
	}, nil
}

// Test replays the recording against rt and verifies it. The runtime's model
// and replay flag are restored before Test returns.
func (s *Snapshot) Test(ctx context.Context, input string, cfg TestConfig) (res *TestResult, err error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	runID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "snapshot.test", trace.WithAttributes(
		attribute.String("snapshot.name", s.Name()),
		attribute.String("snapshot.run_id", runID),
	))
	defer func() { endSpan(span, err) }()

	if !s.store.Exists() || !s.store.Has(store.TopLevel, store.EventStream) {
		return nil, notFound(s.Name())
	}
	recorded, err := s.store.CountLoops()
	if err != nil {
		return nil, err
	}
	if recorded == 0 {
		return nil, notFound(s.Name())
	}

	update := s.opts.Update
	if cfg.Update != nil {
		update = *cfg.Update
	}
	checks := cfg.Verify.resolve(s.opts.Verification)
	rp, err := hooks.NewReplay(s.rt.Hooks(), s.store, s.rt, hooks.ReplayOptions{
		Checks:     checks,
		Update:     update,
		Normalizer: s.normalizer,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, runErr := func() (*agent.Result, error) {
		rp.Install()
		prev := s.rt.SetModel(rp.Model())
		s.rt.SetReplayMode(true)
		defer func() {
			s.rt.SetReplayMode(false)
			s.rt.SetModel(prev)
			rp.Uninstall()
		}()
		return s.rt.Run(runCtx, input)
	}()

	replayed := s.rt.LoopCount()
	if runErr != nil {
		if errors.Is(runErr, hooks.ErrReplayExhausted) {
			return nil, &LoopCountMismatchError{Name: s.Name(), Expected: recorded, Actual: replayed}
		}
		return nil, errors.Join(fmt.Errorf("snapshot %q: test: %w", s.Name(), runErr), rp.Collector().Err())
	}
	if replayed != recorded {
		return nil, &LoopCountMismatchError{Name: s.Name(), Expected: recorded, Actual: replayed}
	}
	if err := rp.Collector().Err(); err != nil {
		return nil, err
	}
	evts := s.rt.Events()
	if err := rp.VerifyFinal(evts); err != nil {
		return nil, err
	}
	if err := s.store.CleanupActual(); err != nil {
		return nil, err
	}

	updated := rp.Updates()
	span.SetAttributes(attribute.Int("snapshot.loops", replayed), attribute.Int("snapshot.updated", len(updated)))
	s.logger.Info("snapshot: verified", "run_id", runID, "loops", replayed, "updated", len(updated))
	return &TestResult{
		Name:     s.Name(),
		RunID:    runID,
		Response: out,
		Events:   evts,
		Loops:    replayed,
		Duration: time.Since(start),
		Updated:  updated,
	}, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End()
}
