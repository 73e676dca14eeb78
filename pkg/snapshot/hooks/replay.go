package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cexll/agentsnap/pkg/core/events"
	corehooks "github.com/cexll/agentsnap/pkg/core/hooks"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/snapshot/normalize"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
)

// Checks selects the verification categories of a replay.
type Checks struct {
	ModelRequests bool
	EventStreams  bool
	ToolCalls     bool
}

// AllChecks enables every category.
func AllChecks() Checks {
	return Checks{ModelRequests: true, EventStreams: true, ToolCalls: true}
}

// ReplayOptions configures a Replay hook.
type ReplayOptions struct {
	Checks Checks
	// Update overwrites mismatching recorded artifacts instead of failing.
	Update     bool
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
}

// Update records one artifact rewritten in update mode.
type Update struct {
	Loop     int
	Category Category
	Artifact store.Artifact
}

// Replay serves a recording back to a runtime and verifies that the replayed
// run matches it.
type Replay struct {
	base       *Base
	store      *store.Store
	source     EventSource
	checks     Checks
	update     bool
	normalizer *normalize.Normalizer
	logger     *slog.Logger
	model      *ReplayModel

	mu      sync.Mutex
	loops   []*store.LoopRecord
	final   []any
	updates []Update
}

// NewReplay preloads every loop record of st.
func NewReplay(registry *corehooks.Registry, st *store.Store, source EventSource, opts ReplayOptions) (*Replay, error) {
	n, err := st.CountLoops()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("hooks: snapshot %q has no recorded loops", st.Name())
	}
	loops := make([]*store.LoopRecord, 0, n)
	for i := 1; i <= n; i++ {
		rec, err := st.ReadLoop(i)
		if err != nil {
			return nil, err
		}
		loops = append(loops, rec)
	}
	final, err := st.Read(store.TopLevel, store.EventStream)
	if err != nil && !errors.Is(err, store.ErrArtifactNotFound) {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = normalize.Default()
	}
	return &Replay{
		base:       NewBase(registry, logger),
		store:      st,
		source:     source,
		checks:     opts.Checks,
		update:     opts.Update,
		normalizer: normalizer,
		logger:     logger,
		model:      NewReplayModel(loops),
		loops:      loops,
		final:      final,
	}, nil
}

func (r *Replay) Install() {
	r.base.Install(Callbacks{
		PreModelRequest:  r.preModelRequest,
		LoopEnd:          r.loopEnd,
		ProcessToolCalls: r.processToolCalls,
	})
}

func (r *Replay) Uninstall()            { r.base.Uninstall() }
func (r *Replay) Installed() bool       { return r.base.Installed() }
func (r *Replay) Collector() *Collector { return r.base.Collector() }

// Model is the synthetic model to swap into the runtime.
func (r *Replay) Model() model.Model { return r.model }

// LoopCount is the number of recorded loops.
func (r *Replay) LoopCount() int { return len(r.loops) }

// Updates lists the artifacts rewritten in update mode.
func (r *Replay) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// VerifyFinal checks the runtime's complete event stream against the
// recorded top-level stream.
func (r *Replay) VerifyFinal(evts []events.Event) error {
	if !r.checks.EventStreams {
		return nil
	}
	actual := EventValues(evts)
	return r.verify(store.TopLevel, EventStreams, store.EventStream, r.final, actual, actual)
}

func (r *Replay) record(loop int) *store.LoopRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loop < 1 || loop > len(r.loops) {
		return nil
	}
	return r.loops[loop-1]
}

func (r *Replay) preModelRequest(_ context.Context, p corehooks.ModelRequest) error {
	if !r.checks.ModelRequests {
		return nil
	}
	rec := r.record(p.Loop)
	if rec == nil {
		return nil
	}
	return r.verify(p.Loop, ModelRequests, store.Request, rec.Request, p.Request, []any{p.Request})
}

func (r *Replay) loopEnd(_ context.Context, p corehooks.Loop) error {
	if !r.checks.EventStreams {
		return nil
	}
	rec := r.record(p.Loop)
	if rec == nil {
		return nil
	}
	actual := EventValues(r.source.Events())
	return r.verify(p.Loop, EventStreams, store.EventStream, rec.Events, actual, actual)
}

// processToolCalls serves recorded outcomes by call id. Outcomes are
// returned even when argument verification fails.
func (r *Replay) processToolCalls(_ context.Context, b corehooks.ToolBatch) ([]corehooks.Outcome, error) {
	rec := r.record(b.Loop)
	if rec == nil {
		return nil, fmt.Errorf("hooks: loop %d was not recorded", b.Loop)
	}
	byID := make(map[string]store.ToolCallRecord, len(rec.ToolCalls))
	for _, tc := range rec.ToolCalls {
		byID[tc.ID] = tc
	}
	outcomes := make([]corehooks.Outcome, 0, len(b.Calls))
	for _, call := range b.Calls {
		tc, ok := byID[call.ID]
		if !ok {
			outcomes = append(outcomes, corehooks.Outcome{
				CallID: call.ID,
				Name:   call.Name,
				Error:  unrecordedCall(call.ID),
			})
			continue
		}
		outcomes = append(outcomes, corehooks.Outcome{CallID: call.ID, Name: tc.Name, Result: tc.Result, Error: tc.Error})
	}
	if !r.checks.ToolCalls {
		return outcomes, nil
	}
	return outcomes, r.verifyToolCalls(rec, b.Calls)
}

func (r *Replay) verifyToolCalls(rec *store.LoopRecord, calls []model.ToolCall) error {
	recorded := make([]any, len(rec.ToolCalls))
	for i, tc := range rec.ToolCalls {
		recorded[i] = callView(tc.ID, tc.Name, tc.Args)
	}
	actualView := make([]any, len(calls))
	for i, call := range calls {
		actualView[i] = callView(call.ID, call.Name, call.Arguments)
	}
	res, err := r.normalizer.Compare(recorded, actualView)
	if err != nil {
		return err
	}
	if res.Equal {
		return nil
	}

	// Merge live arguments into the recorded outcomes. Live calls without a
	// recording keep the error outcome they were served.
	byID := make(map[string]model.ToolCall, len(calls))
	for _, call := range calls {
		byID[call.ID] = call
	}
	recordedIDs := make(map[string]struct{}, len(rec.ToolCalls))
	merged := make([]store.ToolCallRecord, 0, len(calls))
	for _, tc := range rec.ToolCalls {
		recordedIDs[tc.ID] = struct{}{}
		if call, ok := byID[tc.ID]; ok {
			tc.Name = call.Name
			tc.Args = call.Arguments
		}
		merged = append(merged, tc)
	}
	for _, call := range calls {
		if _, ok := recordedIDs[call.ID]; ok {
			continue
		}
		recordedIDs[call.ID] = struct{}{}
		merged = append(merged, store.ToolCallRecord{
			ID:    call.ID,
			Name:  call.Name,
			Args:  call.Arguments,
			Error: unrecordedCall(call.ID),
		})
	}
	if r.update {
		if err := r.store.WriteToolCalls(rec.Index, merged); err != nil {
			return err
		}
		r.mu.Lock()
		rec.ToolCalls = merged
		r.updates = append(r.updates, Update{Loop: rec.Index, Category: ToolCalls, Artifact: store.ToolCalls})
		r.mu.Unlock()
		r.logger.Info("hooks: artifact updated", "snapshot", r.store.Name(), "loop", rec.Index, "artifact", store.ToolCalls)
		return nil
	}
	values := make([]any, len(merged))
	for i, tc := range merged {
		values[i] = tc
	}
	if err := r.store.WriteActual(rec.Index, store.ToolCalls, values); err != nil {
		return err
	}
	return &MismatchError{Loop: rec.Index, Category: ToolCalls, Diff: res.Diff}
}

// verify compares one artifact. On mismatch it either rewrites the recorded
// artifact (update mode) or writes the scratch file and returns a
// *MismatchError.
func (r *Replay) verify(loop int, category Category, artifact store.Artifact, recorded, actual any, values []any) error {
	res, err := r.normalizer.Compare(recorded, actual)
	if err != nil {
		return err
	}
	if res.Equal {
		return nil
	}
	if r.update {
		if err := r.store.Write(loop, artifact, values); err != nil {
			return err
		}
		r.mu.Lock()
		r.updates = append(r.updates, Update{Loop: loop, Category: category, Artifact: artifact})
		r.mu.Unlock()
		r.logger.Info("hooks: artifact updated", "snapshot", r.store.Name(), "loop", loop, "artifact", artifact)
		return nil
	}
	if err := r.store.WriteActual(loop, artifact, values); err != nil {
		return err
	}
	return &MismatchError{Loop: loop, Category: category, Diff: res.Diff}
}

func unrecordedCall(id string) string {
	return fmt.Sprintf("no recorded tool call %s", id)
}

func callView(id, name string, args map[string]any) map[string]any {
	view := map[string]any{"tool_call_id": id, "name": name}
	if len(args) > 0 {
		view["args"] = args
	}
	return view
}
