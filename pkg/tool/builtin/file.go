package toolbuiltin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cexll/agentsnap/pkg/tool"
)

const defaultMaxFileBytes = 1 << 20

var fileSchema = &tool.JSONSchema{
	Type: "object",
	Properties: map[string]any{
		"operation": map[string]any{
			"type":        "string",
			"enum":        []any{"read", "list"},
			"description": "read returns file content, list returns directory entries",
		},
		"path": map[string]any{
			"type":        "string",
			"description": "Path relative to the tool root",
		},
	},
	Required: []string{"operation", "path"},
}

// FileTool reads files and lists directories below a fixed root.
type FileTool struct {
	root     string
	maxBytes int64
}

// NewFileTool roots the tool at the current working directory.
func NewFileTool() *FileTool {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return NewFileToolWithRoot(wd)
}

// NewFileToolWithRoot roots the tool at dir.
func NewFileToolWithRoot(dir string) *FileTool {
	return &FileTool{root: cleanRoot(dir), maxBytes: defaultMaxFileBytes}
}

func (t *FileTool) Name() string { return "file" }

func (t *FileTool) Description() string {
	return "Read a text file or list a directory inside the workspace."
}

func (t *FileTool) Schema() *tool.JSONSchema { return fileSchema }

func (t *FileTool) Execute(ctx context.Context, params map[string]any) (*tool.ToolResult, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}
	if t == nil || t.root == "" {
		return nil, errors.New("file tool not initialised")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, err := parseOperation(params)
	if err != nil {
		return nil, err
	}
	path, err := t.resolvePath(params)
	if err != nil {
		return nil, err
	}
	switch op {
	case "read":
		return t.readFile(path)
	default:
		return t.listDir(path)
	}
}

func parseOperation(params map[string]any) (string, error) {
	if params == nil {
		return "", errors.New("params is nil")
	}
	raw, ok := params["operation"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", errors.New("operation is required")
	}
	op := strings.ToLower(strings.TrimSpace(raw))
	switch op {
	case "read", "list":
		return op, nil
	default:
		return "", fmt.Errorf("unsupported operation %q", raw)
	}
}

func (t *FileTool) resolvePath(params map[string]any) (string, error) {
	raw, _ := params["path"].(string)
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("path is required")
	}
	return within(t.root, raw)
}

func (t *FileTool) readFile(path string) (*tool.ToolResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", t.rel(path))
	}
	if t.maxBytes > 0 && info.Size() > t.maxBytes {
		return nil, fmt.Errorf("file size %d exceeds limit %d", info.Size(), t.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return &tool.ToolResult{
		Success: true,
		Output:  string(data),
		Data:    map[string]any{"path": t.rel(path), "bytes": len(data)},
	}, nil
}

func (t *FileTool) listDir(path string) (*tool.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &tool.ToolResult{
		Success: true,
		Output:  strings.Join(names, "\n"),
		Data:    map[string]any{"path": t.rel(path), "entries": names},
	}, nil
}

func (t *FileTool) rel(path string) string {
	if rel, err := filepath.Rel(t.root, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

func cleanRoot(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return filepath.Clean(dir)
}

// within joins candidate onto root and rejects results outside root.
func within(root, candidate string) (string, error) {
	path := candidate
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path not in sandbox: %s", candidate)
	}
	return path, nil
}
