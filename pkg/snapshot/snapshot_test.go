package snapshot

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cexll/agentsnap/pkg/agent"
	corehooks "github.com/cexll/agentsnap/pkg/core/hooks"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/model/modeltest"
	"github.com/cexll/agentsnap/pkg/snapshot/hooks"
	"github.com/cexll/agentsnap/pkg/snapshot/normalize"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
	"github.com/cexll/agentsnap/pkg/tool"
)

type echoTool struct{ calls atomic.Int32 }

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echo text" }
func (e *echoTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{Type: "object", Properties: map[string]any{"text": map[string]any{"type": "string"}}}
}
func (e *echoTool) Execute(_ context.Context, params map[string]any) (*tool.ToolResult, error) {
	e.calls.Add(1)
	text, _ := params["text"].(string)
	return &tool.ToolResult{Success: true, Output: text}, nil
}

func toolTurn(id, text string) modeltest.Response {
	return modeltest.Response{Message: model.Message{ToolCalls: []model.ToolCall{{
		ID: id, Name: "echo", Arguments: map[string]any{"text": text},
	}}}}
}

func textTurn(content string) modeltest.Response {
	return modeltest.Response{Message: model.Message{Content: content}}
}

func newRuntime(t *testing.T, m model.Model) (*agent.Runtime, *echoTool) {
	t.Helper()
	echo := &echoTool{}
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(echo))
	rt, err := agent.New(m, agent.WithTools(reg))
	require.NoError(t, err)
	return rt, echo
}

func newSnapshot(t *testing.T, rt Runtime, opts Options) *Snapshot {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.Name == "" {
		opts.Name = "weather"
	}
	s, err := New(rt, opts)
	require.NoError(t, err)
	return s
}

func requireNoListeners(t *testing.T, reg *corehooks.Registry) {
	t.Helper()
	for _, p := range corehooks.Points() {
		require.Zero(t, reg.Len(p), p)
	}
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Options{Root: t.TempDir(), Name: "x"})
	require.ErrorContains(t, err, "runtime is nil")

	rt, _ := newRuntime(t, modeltest.NewScriptedModel())
	_, err = New(rt, Options{Root: t.TempDir(), Name: "../escape"})
	require.ErrorContains(t, err, "path separator")
}

func TestGenerateThenTestRoundTrip(t *testing.T) {
	t.Parallel()
	scripted := modeltest.NewScriptedModel(toolTurn("call-1", "sunny"), textTurn("It is sunny."))
	rt, echo := newRuntime(t, scripted)
	s := newSnapshot(t, rt, Options{})
	ctx := context.Background()

	gen, err := s.Generate(ctx, "weather?")
	require.NoError(t, err)
	require.Equal(t, "weather", gen.Name)
	require.Equal(t, 2, gen.Loops)
	require.Equal(t, "It is sunny.", gen.Response.Output)
	require.NotEmpty(t, gen.Events)
	require.FileExists(t, s.Store().Path(store.TopLevel, store.EventStream))
	requireNoListeners(t, rt.Hooks())

	res, err := s.Test(ctx, "weather?", TestConfig{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Loops)
	require.Equal(t, "It is sunny.", res.Response.Output)
	require.NotEmpty(t, res.RunID)
	require.Empty(t, res.Updated)
	require.EqualValues(t, 1, echo.calls.Load())
	require.Same(t, scripted, rt.Model())
	requireNoListeners(t, rt.Hooks())
}

func TestGenerateReplacesPreviousRecording(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(
		toolTurn("c1", "a"), textTurn("first"),
		textTurn("second"),
	))
	s := newSnapshot(t, rt, Options{})
	ctx := context.Background()

	gen, err := s.Generate(ctx, "one")
	require.NoError(t, err)
	require.Equal(t, 2, gen.Loops)

	gen, err = s.Generate(ctx, "two")
	require.NoError(t, err)
	require.Equal(t, 1, gen.Loops)
	require.NoDirExists(t, s.Store().LoopDir(2))
}

func TestFailedGenerateKeepsPreviousRecording(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(
		toolTurn("c1", "a"), textTurn("first"),
		toolTurn("c2", "b"), modeltest.Response{Err: errors.New("upstream unavailable")},
	))
	root := t.TempDir()
	s := newSnapshot(t, rt, Options{Root: root})
	ctx := context.Background()

	_, err := s.Generate(ctx, "one")
	require.NoError(t, err)

	_, err = s.Generate(ctx, "two")
	require.ErrorContains(t, err, "upstream unavailable")
	requireNoListeners(t, rt.Hooks())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staged recording left behind")
	require.Equal(t, "weather", entries[0].Name())

	res, err := s.Test(ctx, "one", TestConfig{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Loops)
	require.Equal(t, "first", res.Response.Output)
}

func TestFailedFirstGenerateLeavesNothing(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(
		toolTurn("c1", "a"), modeltest.Response{Err: errors.New("upstream unavailable")},
	))
	s := newSnapshot(t, rt, Options{})
	ctx := context.Background()

	_, err := s.Generate(ctx, "go")
	require.Error(t, err)
	require.False(t, s.Store().Exists())

	_, err = s.Test(ctx, "go", TestConfig{})
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestPartialRecordingIsNotFound(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel())
	s := newSnapshot(t, rt, Options{})
	require.NoError(t, s.Store().Write(1, store.Request, []any{map[string]any{"model": "m"}}))
	require.NoError(t, s.Store().Write(2, store.Request, []any{map[string]any{"model": "m"}}))

	_, err := s.Test(context.Background(), "go", TestConfig{})
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	requireNoListeners(t, rt.Hooks())
}

func TestCustomNormalizerErrorSurfaces(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(toolTurn("call-1", "sunny"), textTurn("ok")))
	root := t.TempDir()
	ctx := context.Background()
	_, err := newSnapshot(t, rt, Options{Root: root}).Generate(ctx, "go")
	require.NoError(t, err)

	failing := normalize.New(normalize.Config{Custom: []normalize.CustomRule{{
		Pattern: normalize.Exact("text"),
		Fn: func(any, string) (any, error) {
			return nil, errors.New("unparseable text")
		},
	}}})
	s := newSnapshot(t, rt, Options{Root: root, Normalizer: failing})
	_, err = s.Test(ctx, "go", TestConfig{})
	var nerr *normalize.NormalizationError
	require.ErrorAs(t, err, &nerr)
	require.Contains(t, nerr.Path, "text")
	require.ErrorContains(t, err, "unparseable text")
	requireNoListeners(t, rt.Hooks())
}

func TestLoopCountMismatch(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(
		toolTurn("c1", "a"), toolTurn("c2", "b"), textTurn("done"),
	))
	s := newSnapshot(t, rt, Options{})
	ctx := context.Background()

	gen, err := s.Generate(ctx, "go")
	require.NoError(t, err)
	require.Equal(t, 3, gen.Loops)
	for i := 1; i <= 3; i++ {
		require.DirExists(t, s.Store().LoopDir(i))
	}
	n, err := s.Store().CountLoops()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Loop 2 now finishes the conversation, so the replay stops one loop early.
	early := model.Response{Message: model.Message{Role: "assistant", Content: "early"}, StopReason: "end_turn"}
	require.NoError(t, s.Store().Write(2, store.Response, []any{early}))

	_, err = s.Test(ctx, "go", TestConfig{Update: Bool(true)})
	var mismatch *LoopCountMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, 3, mismatch.Expected)
	require.Equal(t, 2, mismatch.Actual)
	require.EqualError(t, err, `snapshot "weather": loop count mismatch: recorded 3, replayed 2`)
	requireNoListeners(t, rt.Hooks())
}

func TestTestWithoutRecording(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel())
	var installs atomic.Int32
	s := newSnapshot(t, &countingRuntime{Runtime: rt, hooks: &installs}, Options{})

	_, err := s.Test(context.Background(), "go", TestConfig{})
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.ErrorContains(t, err, `snapshot "weather" not found; run generate first`)
	require.Zero(t, installs.Load())
	requireNoListeners(t, rt.Hooks())
}

// countingRuntime counts registry lookups, which precede every hook install.
type countingRuntime struct {
	Runtime
	hooks *atomic.Int32
}

func (c *countingRuntime) Hooks() *corehooks.Registry {
	c.hooks.Add(1)
	return c.Runtime.Hooks()
}

func TestToolArgDriftFailsAndUpdates(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(toolTurn("call-1", "sunny"), textTurn("ok")))
	s := newSnapshot(t, rt, Options{})
	ctx := context.Background()
	_, err := s.Generate(ctx, "go")
	require.NoError(t, err)

	calls, err := s.Store().ReadToolCalls(1)
	require.NoError(t, err)
	calls[0].Args = map[string]any{"text": "rainy"}
	require.NoError(t, s.Store().WriteToolCalls(1, calls))

	_, err = s.Test(ctx, "go", TestConfig{})
	var mismatch *hooks.MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, hooks.ToolCalls, mismatch.Category)
	require.Contains(t, mismatch.Diff, `"text": "rainy"`)
	files, err := s.Store().ActualFiles()
	require.NoError(t, err)
	require.Equal(t, []string{"loop-1/tool-calls.actual.jsonl"}, files)

	// Disabling the category lets the run pass and clears scratch files.
	_, err = s.Test(ctx, "go", TestConfig{Verify: Verification{ToolCalls: Bool(false)}})
	require.NoError(t, err)
	files, err = s.Store().ActualFiles()
	require.NoError(t, err)
	require.Empty(t, files)

	res, err := s.Test(ctx, "go", TestConfig{Update: Bool(true)})
	require.NoError(t, err)
	require.Equal(t, []hooks.Update{{Loop: 1, Category: hooks.ToolCalls, Artifact: store.ToolCalls}}, res.Updated)

	res, err = s.Test(ctx, "go", TestConfig{})
	require.NoError(t, err)
	require.Empty(t, res.Updated)
}

func TestOptionsVerificationApplies(t *testing.T) {
	t.Parallel()
	rt, _ := newRuntime(t, modeltest.NewScriptedModel(toolTurn("call-1", "sunny"), textTurn("ok")))
	s := newSnapshot(t, rt, Options{Verification: Verification{ToolCalls: Bool(false)}})
	ctx := context.Background()
	_, err := s.Generate(ctx, "go")
	require.NoError(t, err)

	calls, err := s.Store().ReadToolCalls(1)
	require.NoError(t, err)
	calls[0].Args = map[string]any{"text": "rainy"}
	require.NoError(t, s.Store().WriteToolCalls(1, calls))

	_, err = s.Test(ctx, "go", TestConfig{})
	require.NoError(t, err)
	_, err = s.Test(ctx, "go", TestConfig{Verify: Verification{ToolCalls: Bool(true)}})
	require.Error(t, err)
}

func TestVerificationResolution(t *testing.T) {
	t.Parallel()
	require.Equal(t, hooks.AllChecks(), Verification{}.resolve(Verification{}))
	got := Verification{EventStreams: Bool(true)}.resolve(Verification{EventStreams: Bool(false), ToolCalls: Bool(false)})
	require.Equal(t, hooks.Checks{ModelRequests: true, EventStreams: true, ToolCalls: false}, got)
}

type blockingModel struct {
	started chan struct{}
	release chan struct{}
}

func (m *blockingModel) Complete(ctx context.Context, _ model.Request) (*model.Response, error) {
	close(m.started)
	select {
	case <-m.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.Response{Message: model.Message{Role: "assistant", Content: "done"}, StopReason: "end_turn"}, nil
}

func (m *blockingModel) CompleteStream(context.Context, model.Request, model.StreamHandler) error {
	return nil
}

func TestConcurrentInvocationIsBusy(t *testing.T) {
	t.Parallel()
	m := &blockingModel{started: make(chan struct{}), release: make(chan struct{})}
	rt, _ := newRuntime(t, m)
	s := newSnapshot(t, rt, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Generate(context.Background(), "go")
		done <- err
	}()
	<-m.started

	_, err := s.Test(context.Background(), "go", TestConfig{})
	require.ErrorIs(t, err, ErrBusy)
	_, err = s.Generate(context.Background(), "go")
	require.ErrorIs(t, err, ErrBusy)

	close(m.release)
	require.NoError(t, <-done)
}

func TestTestTimeoutRestoresRuntime(t *testing.T) {
	t.Parallel()
	scripted := modeltest.NewScriptedModel(toolTurn("call-1", "sunny"), textTurn("ok"))
	rt, _ := newRuntime(t, scripted)
	s := newSnapshot(t, rt, Options{})
	ctx := context.Background()
	_, err := s.Generate(ctx, "go")
	require.NoError(t, err)

	dispose := rt.Hooks().OnLoopStart(func(context.Context, corehooks.Loop) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	_, err = s.Test(ctx, "go", TestConfig{Timeout: time.Millisecond})
	dispose()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Same(t, scripted, rt.Model())
	requireNoListeners(t, rt.Hooks())
}

func TestSpansAreRecorded(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	rt, _ := newRuntime(t, modeltest.NewScriptedModel(textTurn("hi")))
	s := newSnapshot(t, rt, Options{Tracer: tp.Tracer("test")})
	ctx := context.Background()
	_, err := s.Generate(ctx, "go")
	require.NoError(t, err)
	_, err = s.Test(ctx, "go", TestConfig{})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "snapshot.generate", spans[0].Name())
	require.Equal(t, "snapshot.test", spans[1].Name())
}
