package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema("manifest", builtinManifestSchema, "#Manifest"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("component", builtinManifestSchema, "#Component"); err != nil {
		panic(err)
	}

	return sr
}

// Context returns the CUE context schemas were compiled in. Values unified
// with a registered schema must come from this context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers the named definition in it
// (e.g. "#Manifest") under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// Go through JSON so omitempty fields stay absent instead of zero.
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	dataVal := sr.ctx.CompileBytes(raw, cue.Filename(schemaName+".json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return sr.ValidateValue(schemaName, schema, dataVal)
}

// ValidateValue unifies a CUE value with schema and requires the result to
// be concrete.
func (sr *SchemaRegistry) ValidateValue(schemaName string, schema, val cue.Value) error {
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s schema validation failed: %w", schemaName, err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateManifest validates a manifest against the manifest schema.
func (sr *SchemaRegistry) ValidateManifest(ctx context.Context, m *Manifest) error {
	return sr.ValidateAgainstSchema(ctx, "manifest", m)
}

// ValidateComponent validates one component against the component schema.
func (sr *SchemaRegistry) ValidateComponent(ctx context.Context, c ComponentConfig) error {
	return sr.ValidateAgainstSchema(ctx, "component", c)
}

const builtinManifestSchema = `
#ID: string & =~"^[a-zA-Z0-9_.-]+$"

// Manifest is a set of components resolved together.
#Manifest: {
	name:       #ID
	version?:   string
	max_depth?: int & >=1
	variables?: {[string]: _}
	cache?: {
		enabled?: bool
		key?:     #ID
	}
	components: [#Component, ...#Component]
}

// Component is one constructible unit.
#Component: {
	id:          #ID
	name?:       string
	depends_on?: [...#ID]
	script?:     string
	value?:      _
	labels?: {[string]: string}
}
`
