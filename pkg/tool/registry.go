package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cexll/agentsnap/pkg/model"
)

// Registry keeps the mapping between tool names and implementations.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator Validator
}

// NewRegistry creates a registry backed by the JSON-schema validator.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: NewSchemaValidator(),
	}
}

// Register inserts tools whose names are not in use.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range tools {
		if tool == nil {
			return fmt.Errorf("tool is nil")
		}
		name := tool.Name()
		if name == "" {
			return fmt.Errorf("tool name is empty")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool %s already registered", name)
		}
		r.tools[name] = tool
	}
	return nil
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

// List produces a name-sorted snapshot of all registered tools so the
// definitions sent to the model are stable across runs.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Definitions converts the registered tools into model tool definitions.
func (r *Registry) Definitions() []model.ToolDefinition {
	tools := r.List()
	if len(tools) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema().Map(),
		})
	}
	return defs
}

// SetValidator swaps the validator instance used before execution.
func (r *Registry) SetValidator(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validator = v
}

// Execute runs a registered tool after optional schema validation.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*ToolResult, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if schema := tool.Schema(); schema != nil {
		r.mu.RLock()
		validator := r.validator
		r.mu.RUnlock()

		if validator != nil {
			if err := validator.Validate(params, schema); err != nil {
				return nil, fmt.Errorf("tool %s validation failed: %w", name, err)
			}
		}
	}
	return tool.Execute(ctx, params)
}
