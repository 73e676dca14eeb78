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

const defaultGlobResults = 200

var globSchema = &tool.JSONSchema{
	Type: "object",
	Properties: map[string]any{
		"pattern": map[string]any{
			"type":        "string",
			"description": "Glob pattern, e.g. *.go",
		},
		"dir": map[string]any{
			"type":        "string",
			"description": "Directory to search, relative to the tool root",
		},
	},
	Required: []string{"pattern"},
}

// GlobTool lists files matching a glob pattern below a fixed root.
type GlobTool struct {
	root       string
	maxResults int
}

func NewGlobTool() *GlobTool {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return NewGlobToolWithRoot(wd)
}

func NewGlobToolWithRoot(dir string) *GlobTool {
	return &GlobTool{root: cleanRoot(dir), maxResults: defaultGlobResults}
}

func (g *GlobTool) Name() string { return "glob" }

func (g *GlobTool) Description() string {
	return "List files matching a glob pattern inside the workspace."
}

func (g *GlobTool) Schema() *tool.JSONSchema { return globSchema }

func (g *GlobTool) Execute(ctx context.Context, params map[string]any) (*tool.ToolResult, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pattern, err := parseGlobPattern(params)
	if err != nil {
		return nil, err
	}
	base := g.root
	if dir, _ := params["dir"].(string); strings.TrimSpace(dir) != "" {
		base, err = within(g.root, dir)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(base)
		if err != nil {
			return nil, fmt.Errorf("stat dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
	}
	full, err := within(g.root, filepath.Join(base, pattern))
	if err != nil {
		return nil, fmt.Errorf("path not in sandbox: %s", pattern)
	}
	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	sort.Strings(matches)

	truncated := false
	if g.maxResults > 0 && len(matches) > g.maxResults {
		matches = matches[:g.maxResults]
		truncated = true
	}
	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		if rel, err := filepath.Rel(g.root, m); err == nil {
			rels = append(rels, filepath.ToSlash(rel))
		}
	}
	return &tool.ToolResult{
		Success: true,
		Output:  formatGlobOutput(rels, truncated),
		Data:    map[string]any{"matches": rels, "truncated": truncated},
	}, nil
}

func parseGlobPattern(params map[string]any) (string, error) {
	if params == nil {
		return "", errors.New("params is nil")
	}
	raw, _ := params["pattern"].(string)
	pattern := strings.TrimSpace(raw)
	if pattern == "" {
		return "", errors.New("pattern is required")
	}
	return pattern, nil
}

func formatGlobOutput(matches []string, truncated bool) string {
	if len(matches) == 0 {
		return "no matches"
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n(truncated to %d results)", len(matches))
	}
	return out
}
