package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation.
// Schemas are compiled in the parser's context so they can be unified with parsed values.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry holding the built-in catalog schema.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("catalog", builtinCatalogSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns a definition (e.g. "#Catalog") of a named schema.
func (sr *SchemaRegistry) Definition(schemaName, def string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	v := schema.LookupPath(cue.ParsePath(def))
	if !v.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no definition %s", schemaName, def)
	}
	return v, nil
}

// ValidateAgainstSchema validates Go data against a definition of a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName, def string, data interface{}) error {
	schema, err := sr.Definition(schemaName, def)
	if err != nil {
		return err
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns the registered schema names.
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

// builtinCatalogSchema constrains blueprint catalogs.
const builtinCatalogSchema = `
#Name: =~"^[a-z][a-z0-9_]*$"

#Handler: {
	method:    #Name
	callback?: #Name
	timeout?:  =~"^[0-9]+(ms|s|m|h)$"
}

#Stage: {
	name?:      string
	build?:     [...#Handler]
	configure?: [...close({method: #Name, timeout?: string})]
	teardown?:  [...close({method: #Name, timeout?: string})]
}

#Operation: {
	description?: string
	stages:       [...#Stage]
}

#Type: {
	description?: string
	kind:         "k8s" | "vrouter" | "scripted"
	network?:     string
	script?:      string
	params?: {[string]: _}
	operations: {[#Name]: #Operation}
	if kind == "scripted" {
		script: string & !=""
	}
}

#Catalog: {
	types: {[=~"^[a-z][a-z0-9-]*$"]: #Type}
}
`
