package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks tool arguments before execution.
type Validator interface {
	Validate(params map[string]any, schema *JSONSchema) error
}

// SchemaValidator validates arguments against the tool's JSON schema.
// Compiled schemas are cached per schema pointer.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[*JSONSchema]*jsonschema.Schema
}

// NewSchemaValidator returns a validator with an empty compile cache.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: map[*JSONSchema]*jsonschema.Schema{}}
}

// Validate compiles the schema on first use and validates params against it.
func (v *SchemaValidator) Validate(params map[string]any, schema *JSONSchema) error {
	if schema == nil {
		return nil
	}
	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]any{}
	}
	// Round-trip through JSON so numeric and nested values take the shape
	// the validator expects.
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return compiled.Validate(instance)
}

func (v *SchemaValidator) compile(schema *JSONSchema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.cache[schema]; ok {
		return compiled, nil
	}

	data, err := json.Marshal(schema.Map())
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[schema] = compiled
	return compiled, nil
}
