package mcp

import (
	"context"
	"sync/atomic"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/cexll/agentsnap/pkg/agent"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/model/modeltest"
	"github.com/cexll/agentsnap/pkg/snapshot"
	"github.com/cexll/agentsnap/pkg/tool"
)

type forecastInput struct {
	City string `json:"city" jsonschema:"city to forecast"`
}

// weatherServer starts an in-memory server exposing one forecast tool and
// returns the client side transport plus a call counter.
func weatherServer(t *testing.T, toolName string) (mcpsdk.Transport, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "weather", Version: "v0.0.1"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: toolName, Description: "forecast for a city"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in forecastInput) (*mcpsdk.CallToolResult, any, error) {
			calls.Add(1)
			if in.City == "nowhere" {
				return &mcpsdk.CallToolResult{IsError: true, Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "unknown city"}}}, nil, nil
			}
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "sunny in " + in.City}}}, nil, nil
		})
	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(context.Background(), serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return clientT, calls
}

func connected(t *testing.T) (*Client, *atomic.Int32) {
	t.Helper()
	transport, calls := weatherServer(t, "forecast")
	c := NewClient(nil)
	require.NoError(t, c.Connect(context.Background(), "weather", transport))
	t.Cleanup(func() { _ = c.Close() })
	return c, calls
}

func TestConnectWrapsServerTools(t *testing.T) {
	c, calls := connected(t)
	tools := c.Tools()
	require.Len(t, tools, 1)
	forecast := tools[0]
	require.Equal(t, "forecast", forecast.Name())
	require.Equal(t, "forecast for a city", forecast.Description())
	require.Equal(t, "object", forecast.Schema().Type)
	require.Contains(t, forecast.Schema().Properties, "city")
	require.Equal(t, []string{"city"}, forecast.Schema().Required)

	res, err := forecast.Execute(context.Background(), map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "sunny in Oslo", res.Output)

	_, err = forecast.Execute(context.Background(), map[string]any{"city": "nowhere"})
	require.ErrorContains(t, err, "unknown city")
	require.EqualValues(t, 2, calls.Load())
}

func TestConnectRejectsDuplicateToolNames(t *testing.T) {
	c, _ := connected(t)
	other, _ := weatherServer(t, "forecast")
	err := c.Connect(context.Background(), "weather-2", other)
	require.ErrorContains(t, err, "already provided by weather")
	require.Len(t, c.Tools(), 1)
}

func TestCloseDropsTools(t *testing.T) {
	transport, _ := weatherServer(t, "forecast")
	c := NewClient(nil)
	require.NoError(t, c.Connect(context.Background(), "weather", transport))
	require.NoError(t, c.Close())
	require.Empty(t, c.Tools())
}

func TestServerTransport(t *testing.T) {
	tr, err := Server{Name: "a", Command: "weather-mcp", Args: []string{"--stdio"}}.Transport()
	require.NoError(t, err)
	require.IsType(t, &mcpsdk.CommandTransport{}, tr)

	tr, err = Server{Name: "b", URL: "http://localhost:8080/mcp"}.Transport()
	require.NoError(t, err)
	require.IsType(t, &mcpsdk.StreamableClientTransport{}, tr)

	_, err = Server{Name: "c", URL: "ftp://example"}.Transport()
	require.ErrorContains(t, err, "not http(s)")
	_, err = Server{Name: "d"}.Transport()
	require.ErrorContains(t, err, "command or url is required")
}

func TestReplayDoesNotCallServer(t *testing.T) {
	c, calls := connected(t)
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(c.Tools()...))
	scripted := modeltest.NewScriptedModel(
		modeltest.Response{Message: model.Message{ToolCalls: []model.ToolCall{{
			ID: "call-1", Name: "forecast", Arguments: map[string]any{"city": "Oslo"},
		}}}},
		modeltest.Response{Message: model.Message{Content: "It is sunny in Oslo."}},
	)
	rt, err := agent.New(scripted, agent.WithTools(reg))
	require.NoError(t, err)
	s, err := snapshot.New(rt, snapshot.Options{Root: t.TempDir(), Name: "forecast"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Generate(ctx, "weather in Oslo?")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	res, err := s.Test(ctx, "weather in Oslo?", snapshot.TestConfig{})
	require.NoError(t, err)
	require.Equal(t, "It is sunny in Oslo.", res.Response.Output)
	require.EqualValues(t, 1, calls.Load())
}
