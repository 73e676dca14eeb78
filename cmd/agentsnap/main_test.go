package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/agentsnap/pkg/snapshot"
	"github.com/cexll/agentsnap/pkg/snapshot/batch"
	"github.com/cexll/agentsnap/pkg/snapshot/hooks"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
)

const projectSettings = `
model:
  tools: [current_time]
log:
  no_color: true
`

const casesManifest = `
root: snaps
cases:
  - name: greet
    runtime: scripted
    input: hi
    options:
      reply: hello
  - name: clock
    runtime: scripted
    input: what time is it
    options:
      turns:
        - tool_calls:
            - name: current_time
              arguments: {timezone: UTC}
        - content: it is now
`

func newProject(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentsnap.yaml"), []byte(projectSettings), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cases.yaml"), []byte(manifest), 0o600))
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunGenerateTestAndList(t *testing.T) {
	t.Parallel()
	dir := newProject(t, casesManifest)

	code, out, errOut := runCLI(t, "generate", "-C", dir)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "PASS greet (generate, 1 loop,")
	require.Contains(t, out, "PASS clock (generate, 2 loops,")
	require.Contains(t, out, "2 passed, 0 failed")
	require.DirExists(t, filepath.Join(dir, "snaps", "clock", "loop-2"))

	code, out, errOut = runCLI(t, "test", "-C", dir)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "PASS clock (test, 2 loops,")

	code, out, _ = runCLI(t, "test", "-C", dir, "greet")
	require.Equal(t, 0, code)
	require.Contains(t, out, "1 passed, 0 failed")
	require.NotContains(t, out, "clock")

	code, out, _ = runCLI(t, "list", "-C", dir)
	require.Equal(t, 0, code)
	require.Regexp(t, `greet\s+1 loop\n`, out)
	require.Regexp(t, `clock\s+2 loops\n`, out)
}

func TestRunReportsUnrecordedCaseWithHint(t *testing.T) {
	t.Parallel()
	dir := newProject(t, casesManifest)
	code, out, _ := runCLI(t, "test", "-C", dir, "greet")
	require.Equal(t, 1, code)
	require.Contains(t, out, "FAIL greet (test")
	require.Contains(t, out, "hint: run `agentsnap generate` to record it")
	require.Contains(t, out, "0 passed, 1 failed")

	code, out, _ = runCLI(t, "list", "-C", dir)
	require.Equal(t, 0, code)
	require.Regexp(t, `greet\s+not recorded`, out)
}

func TestRunListShowsOrphans(t *testing.T) {
	t.Parallel()
	dir := newProject(t, casesManifest)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "snaps", "old", "loop-1"), 0o755))
	code, out, _ := runCLI(t, "list", "-C", dir)
	require.Equal(t, 0, code)
	require.Regexp(t, `old\s+orphaned`, out)
}

func TestRunRootFlagOverridesManifestRoot(t *testing.T) {
	t.Parallel()
	dir := newProject(t, casesManifest)
	other := filepath.Join(t.TempDir(), "elsewhere")
	code, _, errOut := runCLI(t, "generate", "-C", dir, "-root", other, "greet")
	require.Equal(t, 0, code, errOut)
	require.DirExists(t, filepath.Join(other, "greet", "loop-1"))
	require.NoDirExists(t, filepath.Join(dir, "snaps"))
}

func TestRunUsageErrors(t *testing.T) {
	t.Parallel()
	code, _, errOut := runCLI(t)
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "usage: agentsnap")

	code, _, errOut = runCLI(t, "record")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, `unknown command "record"`)

	code, out, _ := runCLI(t, "help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "usage: agentsnap")

	code, _, _ = runCLI(t, "generate", "-bogus")
	require.Equal(t, 2, code)

	code, _, _ = runCLI(t, "generate", "-watch")
	require.Equal(t, 2, code)

	dir := newProject(t, casesManifest)
	code, _, errOut = runCLI(t, "test", "-C", dir, "missing-case")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "missing-case")
}

func TestRunRejectsInvalidSettings(t *testing.T) {
	t.Parallel()
	dir := newProject(t, casesManifest)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentsnap.local.yaml"), []byte("log:\n  level: loud\n"), 0o600))
	code, _, errOut := runCLI(t, "test", "-C", dir)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "invalid settings")
}

func TestRunWatchStopsWithContext(t *testing.T) {
	t.Parallel()
	dir := newProject(t, casesManifest)
	code, _, errOut := runCLI(t, "generate", "-C", dir)
	require.Equal(t, 0, code, errOut)

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr bytes.Buffer
	done := make(chan int, 1)
	go func() { done <- run(ctx, []string{"test", "-C", dir, "-watch", "greet"}, &stdout, &stderr) }()
	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestScriptedTurns(t *testing.T) {
	t.Parallel()
	turns, err := scriptedTurns(map[string]any{"reply": "hi"})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "hi", turns[0].Message.Content)

	turns, err = scriptedTurns(map[string]any{"turns": []any{
		map[string]any{"tool_calls": []any{map[string]any{"name": "glob", "arguments": map[string]any{"pattern": "*.go"}}}},
		map[string]any{"content": "done"},
	}})
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "call_1_1", turns[0].Message.ToolCalls[0].ID)
	require.Equal(t, "*.go", turns[0].Message.ToolCalls[0].Arguments["pattern"])
	require.Equal(t, "done", turns[1].Message.Content)

	_, err = scriptedTurns(map[string]any{"turns": []any{map[string]any{"tool_calls": []any{map[string]any{}}}}})
	require.ErrorContains(t, err, "name is required")

	_, err = scriptedTurns(nil)
	require.Error(t, err)
}

func TestBuiltinToolsRejectsUnknown(t *testing.T) {
	t.Parallel()
	reg, err := builtinTools([]string{"file", "glob", "current_time"}, t.TempDir())
	require.NoError(t, err)
	require.Len(t, reg.List(), 3)
	_, err = builtinTools([]string{"shell"}, t.TempDir())
	require.ErrorContains(t, err, `"shell"`)
}

func TestDescribeAddsHints(t *testing.T) {
	t.Parallel()
	mismatch := &hooks.HookError{Point: "loop_end", Err: &hooks.MismatchError{Loop: 1, Category: hooks.EventStreams, Diff: "-a\n+b"}}
	require.Contains(t, describe(mismatch), "agentsnap update")
	require.Contains(t, describe(&snapshot.LoopCountMismatchError{Name: "a", Expected: 2, Actual: 1}), "different path")
	require.Equal(t, "plain", describe(errors.New("plain")))
}

func TestReportListsUpdates(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	report(&buf, []batch.CaseResult{{
		Case: "weather",
		Mode: batch.ModeUpdate,
		Test: &snapshot.TestResult{Loops: 1, Updated: []hooks.Update{
			{Loop: 1, Category: hooks.ToolCalls, Artifact: store.ToolCalls},
			{Loop: 0, Category: hooks.EventStreams, Artifact: store.EventStream},
		}},
	}})
	out := buf.String()
	require.Contains(t, out, "PASS weather (update, 1 loop, 0s)")
	require.Contains(t, out, "    updated loop-1/tool-calls.jsonl")
	require.Contains(t, out, "    updated event-stream.jsonl")
	require.Contains(t, out, "1 passed, 0 failed")
}

func TestRunOpenAIProviderRecordsAndReplays(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": "hello from openai"},
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		})
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	settings := "model:\n  provider: openai\n  name: gpt-4o-mini\n  api_key_env: AGENTSNAP_OPENAI_CLI_KEY\n  base_url: " + srv.URL + "/v1/\n  max_retries: 0\n" +
		"env:\n  AGENTSNAP_OPENAI_CLI_KEY: sk-test\nlog:\n  no_color: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentsnap.yaml"), []byte(settings), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cases.yaml"), []byte("cases:\n  - name: hello\n    input: hi\n"), 0o600))

	code, out, errOut := runCLI(t, "generate", "-C", dir)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "PASS hello (generate, 1 loop,")
	require.EqualValues(t, 1, calls.Load())

	code, out, errOut = runCLI(t, "test", "-C", dir)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "PASS hello (test, 1 loop,")
	require.EqualValues(t, 1, calls.Load())
}

func TestRunFailsWhenMCPServerUnreachable(t *testing.T) {
	t.Parallel()
	dir := newProject(t, casesManifest)
	local := "mcp:\n  servers:\n    down:\n      url: http://127.0.0.1:1/mcp\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentsnap.local.yaml"), []byte(local), 0o600))
	code, _, errOut := runCLI(t, "generate", "-C", dir)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "mcp: connect down")
}
