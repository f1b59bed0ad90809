package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE definitions used to validate declarations.
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

	if err := sr.RegisterSource(builtinSchemas, "member", "fragment", "rule", "type", "entity"); err != nil {
		panic(fmt.Sprintf("built-in schemas do not compile: %v", err))
	}

	return sr
}

// RegisterSchema registers a CUE source whose top-level value is the schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// RegisterSource compiles a CUE source holding definitions and registers each
// named definition. The name "entity" maps to the definition #Entity.
func (sr *SchemaRegistry) RegisterSource(source string, names ...string) error {
	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema source: %w", err)
	}

	defs := make(map[string]cue.Value, len(names))
	for _, name := range names {
		def := val.LookupPath(cue.ParsePath(definitionName(name)))
		if !def.Exists() {
			return fmt.Errorf("schema source does not define %s", definitionName(name))
		}
		defs[name] = def
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range defs {
		sr.schemas[name] = def
	}
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

// ValidateFragment validates a dimension declaration.
func (sr *SchemaRegistry) ValidateFragment(ctx context.Context, decl FragmentDecl) error {
	return sr.ValidateAgainstSchema(ctx, "fragment", decl)
}

// ValidateType validates an entity type declaration.
func (sr *SchemaRegistry) ValidateType(ctx context.Context, decl TypeDecl) error {
	return sr.ValidateAgainstSchema(ctx, "type", decl)
}

// ValidateEntity validates an entity declaration.
func (sr *SchemaRegistry) ValidateEntity(ctx context.Context, decl EntityDecl) error {
	return sr.ValidateAgainstSchema(ctx, "entity", decl)
}

func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

const builtinSchemas = `
#Identifier: =~"^[A-Za-z_][A-Za-z0-9_]*$"

// fragment values are written "dimension.member" or "dimension.a|b"
#FragmentValue: =~"^[A-Za-z_][A-Za-z0-9_]*\\.[A-Za-z0-9_|]+$"

#Member: {
	name:       #Identifier
	bits:       int & >0
	composite?: bool
	tolerant?:  bool
}

#Fragment: {
	members: [#Member, ...#Member]
}

#Rule: {
	name:      #Identifier
	priority?: int
	filter?: [...#FragmentValue]
	script: string & !=""
}

#Type: {
	parent?: string
	identity?: [...#Identifier]
	rules?: [...#Rule]
}

#Entity: {
	type:   #Identifier
	schema: #Identifier
	targets?: [...{[#Identifier]: string}]
	exclude?: [...{[#Identifier]: string & !="*"}]
	restrict?: [...#FragmentValue]
	identity?: {[string]: _}
}
`
