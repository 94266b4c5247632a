package toolflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry holds compiled JSON Schemas keyed by tool name. Tools
// without a registered schema accept any parameter map.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with tool, replacing any
// previous schema.
func (r *SchemaRegistry) Register(tool string, schemaJSON []byte) error {
	if tool == "" {
		return fmt.Errorf("tool name is required")
	}
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("tool %q: unmarshal schema: %w", tool, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("tool %q: add schema resource: %w", tool, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", tool, err)
	}
	r.mu.Lock()
	r.schemas[tool] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks params against the schema registered for tool. A missing
// schema validates everything. Violations are reported as *ValidationError.
func (r *SchemaRegistry) Validate(tool string, params map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[tool]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	// Round-trip through JSON so native Go values (ints, typed structs in
	// the map) validate the same as decoded wire payloads.
	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("tool %q: marshal parameters: %w", tool, err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("tool %q: unmarshal parameters: %w", tool, err)
	}
	if err := schema.Validate(doc); err != nil {
		return NewValidationError("tool %q: invalid parameters: %v", tool, err)
	}
	return nil
}
