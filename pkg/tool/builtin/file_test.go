package toolbuiltin

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipIfWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("path semantics differ on windows")
	}
}

func cleanTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	return dir
}

func TestFileToolResolvePathPreventsTraversal(t *testing.T) {
	skipIfWindows(t)
	dir := cleanTempDir(t)
	tool := NewFileToolWithRoot(dir)
	if _, err := tool.resolvePath(map[string]any{"path": "../secret"}); err == nil || !strings.Contains(err.Error(), "path not in sandbox") {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
}

func TestFileToolReadsRelativePath(t *testing.T) {
	skipIfWindows(t)
	dir := cleanTempDir(t)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	res, err := NewFileToolWithRoot(dir).Execute(context.Background(), map[string]any{"operation": "read", "path": "notes.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Output != "hello" || !res.Success {
		t.Fatalf("unexpected result %#v", res)
	}
	data := res.Data.(map[string]any)
	if data["path"] != "notes.txt" || data["bytes"] != 5 {
		t.Fatalf("unexpected data %#v", data)
	}
}

func TestFileToolListsSortedEntries(t *testing.T) {
	skipIfWindows(t)
	dir := cleanTempDir(t)
	_ = os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0600)
	_ = os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0600)
	_ = os.Mkdir(filepath.Join(dir, "sub"), 0o755)

	res, err := NewFileToolWithRoot(dir).Execute(context.Background(), map[string]any{"operation": "list", "path": "."})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Output != "a.txt\nb.txt\nsub/" {
		t.Fatalf("unexpected listing %q", res.Output)
	}
}

func TestFileToolExecuteHandlesCancelledContext(t *testing.T) {
	skipIfWindows(t)
	dir := cleanTempDir(t)
	tool := NewFileToolWithRoot(dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tool.Execute(ctx, map[string]any{"operation": "read", "path": "data.txt"}); err == nil || !strings.Contains(err.Error(), "context canceled") {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestFileToolReadFileHonorsSizeLimit(t *testing.T) {
	skipIfWindows(t)
	dir := cleanTempDir(t)
	target := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(target, []byte("1234"), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tool := NewFileToolWithRoot(dir)
	tool.maxBytes = 1
	if _, err := tool.readFile(target); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size limit error, got %v", err)
	}
}

func TestParseOperationValidations(t *testing.T) {
	if _, err := parseOperation(nil); err == nil {
		t.Fatalf("expected nil params error")
	}
	if _, err := parseOperation(map[string]any{}); err == nil {
		t.Fatalf("expected missing operation error")
	}
	if _, err := parseOperation(map[string]any{"operation": "noop"}); err == nil {
		t.Fatalf("expected unsupported operation error")
	}
}

func TestFileToolExecuteNilContext(t *testing.T) {
	tool := NewFileTool()
	if _, err := tool.Execute(nil, map[string]any{"operation": "read", "path": "x"}); err == nil || !strings.Contains(err.Error(), "context is nil") {
		t.Fatalf("expected nil context error, got %v", err)
	}
}

func TestFileToolExecuteUninitialised(t *testing.T) {
	var tool FileTool
	if _, err := tool.Execute(context.Background(), map[string]any{"operation": "read", "path": "x"}); err == nil || !strings.Contains(err.Error(), "not initialised") {
		t.Fatalf("expected not initialised error, got %v", err)
	}
}

func TestClockToolUsesInjectedNow(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := &ClockTool{now: func() time.Time { return fixed }}
	res, err := clock.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "2025-01-02T03:04:05Z" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	if _, err := clock.Execute(context.Background(), map[string]any{"timezone": "Not/AZone"}); err == nil {
		t.Fatalf("expected timezone error")
	}
}
