package tool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name   string
	schema *JSONSchema
	called int32
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() *JSONSchema { return s.schema }
func (s *stubTool) Execute(_ context.Context, params map[string]any) (*ToolResult, error) {
	atomic.AddInt32(&s.called, 1)
	return &ToolResult{Success: true, Output: "ok", Data: params}, nil
}

var echoSchema = &JSONSchema{
	Type: "object",
	Properties: map[string]any{
		"text":  map[string]any{"type": "string"},
		"count": map[string]any{"type": "integer", "minimum": 1},
	},
	Required: []string{"text"},
}

func TestRegistryRegisterRejectsDuplicatesAndBlanks(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "echo"}))
	require.ErrorContains(t, r.Register(&stubTool{name: "echo"}), "already registered")
	require.ErrorContains(t, r.Register(&stubTool{name: ""}), "name is empty")
	require.ErrorContains(t, r.Register(nil), "tool is nil")
}

func TestRegistryGetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	require.ErrorContains(t, err, "not found")
}

func TestRegistryListIsSortedByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "zeta"}, &stubTool{name: "alpha"}, &stubTool{name: "mid"}))
	var names []string
	for _, tl := range r.List() {
		names = append(names, tl.Name())
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegistryDefinitionsCarrySchema(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Definitions())
	require.NoError(t, r.Register(&stubTool{name: "echo", schema: echoSchema}, &stubTool{name: "bare"}))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	require.Equal(t, "bare", defs[0].Name)
	require.Nil(t, defs[0].Parameters)
	require.Equal(t, "object", defs[1].Parameters["type"])
	require.Equal(t, []any{"text"}, defs[1].Parameters["required"])
}

func TestRegistryExecuteValidatesAgainstSchema(t *testing.T) {
	r := NewRegistry()
	stub := &stubTool{name: "echo", schema: echoSchema}
	require.NoError(t, r.Register(stub))

	res, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi", "count": 2})
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = r.Execute(context.Background(), "echo", map[string]any{"count": 2})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "validation failed"))

	_, err = r.Execute(context.Background(), "echo", map[string]any{"text": "hi", "count": 0})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&stub.called))
}

type denyValidator struct{}

func (denyValidator) Validate(map[string]any, *JSONSchema) error { return errors.New("denied") }

func TestRegistrySetValidatorOverridesDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "echo", schema: echoSchema}))
	r.SetValidator(denyValidator{})
	_, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	require.ErrorContains(t, err, "denied")

	r.SetValidator(nil)
	_, err = r.Execute(context.Background(), "echo", map[string]any{})
	require.NoError(t, err)
}

func TestSchemaValidatorCachesCompiledSchema(t *testing.T) {
	v := NewSchemaValidator()
	require.NoError(t, v.Validate(map[string]any{"text": "a"}, echoSchema))
	require.NoError(t, v.Validate(map[string]any{"text": "b"}, echoSchema))
	require.Len(t, v.cache, 1)
	require.NoError(t, v.Validate(nil, nil))
}
