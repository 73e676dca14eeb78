// Package mcp exposes the tools of Model Context Protocol servers as runtime
// tools. Calls to them are ordinary tool calls, so generate records their
// outcomes and test serves them back without contacting the server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/agentsnap/pkg/tool"
)

const (
	clientName     = "agentsnap"
	clientVersion  = "v1.0.0"
	connectTimeout = 10 * time.Second
)

// Server describes one MCP server. Either Command or URL is set.
type Server struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	URL     string
}

// Transport builds the SDK transport for s: streamable HTTP for URLs and a
// child process over stdio otherwise.
func (s Server) Transport() (mcpsdk.Transport, error) {
	switch {
	case strings.TrimSpace(s.URL) != "":
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return nil, fmt.Errorf("mcp: server %s: url %q is not http(s)", s.Name, s.URL)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: s.URL}, nil
	case strings.TrimSpace(s.Command) != "":
		cmd := exec.Command(s.Command, s.Args...) //nolint:gosec // command comes from project settings
		if len(s.Env) > 0 {
			cmd.Env = append(os.Environ(), s.Env...)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("mcp: server %s: command or url is required", s.Name)
	}
}

// Client owns the sessions to every connected server and the tools they
// expose.
type Client struct {
	client *mcpsdk.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions []*mcpsdk.ClientSession
	tools    []tool.Tool
	names    map[string]string
}

// NewClient returns a client with no sessions.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client: mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil),
		logger: logger,
		names:  map[string]string{},
	}
}

// ConnectServer opens a session to s and registers its tools.
func (c *Client) ConnectServer(ctx context.Context, s Server) error {
	t, err := s.Transport()
	if err != nil {
		return err
	}
	return c.Connect(ctx, s.Name, t)
}

// Connect opens a session over t and lists the tools it exposes. Tool names
// must be unique across servers.
func (c *Client) Connect(ctx context.Context, server string, t mcpsdk.Transport) error {
	opCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := c.client.Connect(opCtx, t, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect %s: %w", server, err)
	}
	tools, err := listTools(opCtx, session)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("mcp: list tools of %s: %w", server, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	wrappers := make([]tool.Tool, 0, len(tools))
	for _, desc := range tools {
		if strings.TrimSpace(desc.Name) == "" {
			_ = session.Close()
			return fmt.Errorf("mcp: server %s exposes a tool with an empty name", server)
		}
		if owner, dup := c.names[desc.Name]; dup {
			_ = session.Close()
			return fmt.Errorf("mcp: tool %s of %s already provided by %s", desc.Name, server, owner)
		}
		schema, err := convertSchema(desc.InputSchema)
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: schema of %s: %w", desc.Name, err)
		}
		wrappers = append(wrappers, &remoteTool{
			name:        desc.Name,
			description: desc.Description,
			schema:      schema,
			session:     session,
		})
	}
	for _, w := range wrappers {
		c.names[w.Name()] = server
	}
	c.tools = append(c.tools, wrappers...)
	c.sessions = append(c.sessions, session)
	c.logger.Debug("mcp: connected", "server", server, "tools", len(wrappers))
	return nil
}

// Tools returns every tool of every connected server.
func (c *Client) Tools() []tool.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tool.Tool(nil), c.tools...)
}

// Close ends every session.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.tools = nil
	c.names = map[string]string{}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func listTools(ctx context.Context, session *mcpsdk.ClientSession) ([]*mcpsdk.Tool, error) {
	var out []*mcpsdk.Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcpsdk.ListToolsParams{Cursor: res.NextCursor}
	}
}

// convertSchema maps whatever schema value the SDK decoded onto the runtime
// schema through a JSON round trip.
func convertSchema(raw any) (*tool.JSONSchema, error) {
	if raw == nil {
		return &tool.JSONSchema{Type: "object"}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	schema := &tool.JSONSchema{Type: "object"}
	if typ, ok := generic["type"].(string); ok && typ != "" {
		schema.Type = typ
	}
	if props, ok := generic["properties"].(map[string]any); ok && len(props) > 0 {
		schema.Properties = props
	}
	if req, ok := generic["required"].([]any); ok {
		for _, v := range req {
			if name, ok := v.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	return schema, nil
}

type remoteTool struct {
	name        string
	description string
	schema      *tool.JSONSchema
	session     *mcpsdk.ClientSession
}

func (r *remoteTool) Name() string             { return r.name }
func (r *remoteTool) Description() string      { return r.description }
func (r *remoteTool) Schema() *tool.JSONSchema { return r.schema }

// Execute calls the tool on its server. A result flagged as an error is
// returned as an error so it is recorded as a failed call.
func (r *remoteTool) Execute(ctx context.Context, params map[string]any) (*tool.ToolResult, error) {
	if params == nil {
		params = map[string]any{}
	}
	res, err := r.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: r.name, Arguments: params})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s: %w", r.name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, fmt.Errorf("mcp: %s: %s", r.name, text)
	}
	return &tool.ToolResult{Success: true, Output: text, Data: res.StructuredContent}, nil
}

func contentText(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
