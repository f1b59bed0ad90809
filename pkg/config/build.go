package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// Target mask spellings in entity declarations.
const (
	// AllMembers leaves a dimension free so every member is enumerated.
	AllMembers = "*"

	// NoMember fixes a dimension to the unset value.
	NoMember = "none"
)

// Workspace is a description turned into engine objects, ready to resolve.
type Workspace struct {
	Registry *engine.FragmentRegistry
	Types    *engine.TypeRegistry
	Schemas  map[string]*engine.TargetSchema

	// Entities are sorted by name.
	Entities []*engine.Configurable

	Description *Description
}

// Entity returns the named entity.
func (w *Workspace) Entity(name string) (*engine.Configurable, bool) {
	i := sort.Search(len(w.Entities), func(i int) bool { return w.Entities[i].Name() >= name })
	if i < len(w.Entities) && w.Entities[i].Name() == name {
		return w.Entities[i], true
	}
	return nil, false
}

// BuildOptions configures Build.
type BuildOptions struct {
	Logger zerolog.Logger

	// RuleTimeout bounds one Starlark rule invocation.
	RuleTimeout time.Duration
}

// Build registers fragments, defines types and creates entities from desc.
// The first problem found is returned as an engine error.
func Build(desc *Description, opts BuildOptions) (*Workspace, error) {
	if desc.HasErrors() {
		return nil, engine.NewSchemaError(fmt.Sprintf("description has %d error(s), first: %s", len(desc.Errors), desc.Errors[0].Error()), nil)
	}

	ws := &Workspace{
		Registry:    engine.NewFragmentRegistry(),
		Types:       engine.NewTypeRegistry(opts.Logger),
		Schemas:     make(map[string]*engine.TargetSchema),
		Description: desc,
	}

	if err := buildFragments(ws.Registry, desc.Fragments); err != nil {
		return nil, err
	}

	for _, name := range sortedKeys(desc.Schemas) {
		schema, err := engine.NewTargetSchema(ws.Registry, desc.Schemas[name]...)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		ws.Schemas[name] = schema
	}

	if err := buildTypes(ws, desc.Types, NewStarlarkEvaluator(opts.RuleTimeout)); err != nil {
		return nil, err
	}

	for _, name := range sortedKeys(desc.Entities) {
		c, err := buildEntity(ws, name, desc.Entities[name])
		if err != nil {
			return nil, err
		}
		ws.Entities = append(ws.Entities, c)
	}

	opts.Logger.Debug().
		Int("dimensions", len(ws.Registry.Names())).
		Int("types", len(ws.Types.Types())).
		Int("entities", len(ws.Entities)).
		Msg("Workspace built")
	return ws, nil
}

func buildFragments(registry *engine.FragmentRegistry, fragments map[string]FragmentDecl) error {
	for _, name := range sortedKeys(fragments) {
		decl := fragments[name]
		members := make([]engine.Member, 0, len(decl.Members))
		for _, m := range decl.Members {
			members = append(members, engine.Member{
				Name:              m.Name,
				Bits:              m.Bits,
				Composite:         m.Composite,
				TolerateDuplicate: m.Tolerant,
			})
		}
		if err := registry.Register(engine.NewDimension(name, members...)); err != nil {
			return err
		}
	}
	return nil
}

// buildTypes defines types parents first. Unknown parents and inheritance
// cycles are schema errors.
func buildTypes(ws *Workspace, types map[string]TypeDecl, evaluator *StarlarkEvaluator) error {
	state := make(map[string]int)
	var define func(name string, path []string) error

	define = func(name string, path []string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			return engine.NewSchemaError(fmt.Sprintf("type inheritance cycle: %s", strings.Join(append(path, name), " -> ")), nil).
				WithCode(engine.ErrCodeDependencyCycle)
		}

		decl, ok := types[name]
		if !ok {
			return engine.NewSchemaError(fmt.Sprintf("type %q is not declared", name), nil).
				WithCode(engine.ErrCodeNotFound)
		}

		state[name] = 1
		var parent *engine.EntityType
		if decl.Parent != "" {
			if err := define(decl.Parent, append(path, name)); err != nil {
				return err
			}
			parent, _ = ws.Types.Lookup(decl.Parent)
		}

		rules := make([]engine.RuleDecl, 0, len(decl.Rules))
		for _, rd := range decl.Rules {
			rule, err := buildRule(ws.Registry, evaluator, name, rd)
			if err != nil {
				return err
			}
			rules = append(rules, rule)
		}

		if _, err := ws.Types.Define(engine.TypeSpec{
			Name:     name,
			Parent:   parent,
			Identity: decl.Identity,
			Rules:    rules,
		}); err != nil {
			return err
		}
		state[name] = 2
		return nil
	}

	for _, name := range sortedKeys(types) {
		if err := define(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func buildRule(registry *engine.FragmentRegistry, evaluator *StarlarkEvaluator, typeName string, rd RuleDecl) (engine.RuleDecl, error) {
	script, err := evaluator.Compile(typeName+"."+rd.Name, rd.Script)
	if err != nil {
		return engine.RuleDecl{}, engine.NewSchemaError(fmt.Sprintf("rule %s.%s", typeName, rd.Name), err)
	}

	var opts []engine.RuleOption
	if rd.Priority != nil {
		opts = append(opts, engine.WithPriority(*rd.Priority))
	}
	if len(rd.Filter) > 0 {
		filter := make([]engine.Value, 0, len(rd.Filter))
		for _, f := range rd.Filter {
			v, err := registry.ParseValue(f)
			if err != nil {
				return engine.RuleDecl{}, err
			}
			filter = append(filter, v)
		}
		opts = append(opts, engine.WithFilter(filter...))
	}

	return engine.Configure(rd.Name, script.Body(), opts...), nil
}

func buildEntity(ws *Workspace, name string, decl EntityDecl) (*engine.Configurable, error) {
	typ, ok := ws.Types.Lookup(decl.Type)
	if !ok {
		return nil, engine.NewSchemaError(fmt.Sprintf("entity %s: type %q is not declared", name, decl.Type), nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(name)
	}

	schema, ok := ws.Schemas[decl.Schema]
	if !ok {
		return nil, engine.NewSchemaError(fmt.Sprintf("entity %s: schema %q is not declared", name, decl.Schema), nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(name)
	}

	// No targets means the whole schema.
	targets := decl.Targets
	if len(targets) == 0 {
		targets = []map[string]string{{}}
	}

	var space engine.TargetSpace
	for i, m := range targets {
		values, err := maskValues(ws.Registry, m, true)
		if err != nil {
			return nil, fmt.Errorf("entity %s targets[%d]: %w", name, i, err)
		}
		mask := engine.NewTargetMask(values...)
		if i < len(decl.TargetSources) {
			mask = mask.WithSource(decl.TargetSources[i])
		} else {
			mask = mask.WithSource(fmt.Sprintf("entities.%s.targets[%d]", name, i))
		}
		space.Masks = append(space.Masks, mask)
	}

	for i, m := range decl.Exclude {
		values, err := maskValues(ws.Registry, m, false)
		if err != nil {
			return nil, fmt.Errorf("entity %s exclude[%d]: %w", name, i, err)
		}
		space.Exclusions = append(space.Exclusions, engine.NewTargetMask(values...).
			WithSource(fmt.Sprintf("entities.%s.exclude[%d]", name, i)))
	}

	for _, r := range decl.Restrict {
		v, err := ws.Registry.ParseValue(r)
		if err != nil {
			return nil, fmt.Errorf("entity %s restrict: %w", name, err)
		}
		space.AddFragmentMask(v)
	}

	c, err := engine.NewConfigurable(name, typ, schema, space)
	if err != nil {
		return nil, err
	}

	for _, prop := range sortedKeys(decl.Identity) {
		if err := c.SetIdentity(prop, decl.Identity[prop]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// maskValues turns {dim: "a|b"} into fragment values. "*" leaves the
// dimension free and is only allowed when allowAll is set.
func maskValues(registry *engine.FragmentRegistry, mask map[string]string, allowAll bool) ([]engine.Value, error) {
	values := make([]engine.Value, 0, len(mask))
	for _, dim := range sortedKeys(mask) {
		spec := strings.TrimSpace(mask[dim])
		switch spec {
		case AllMembers:
			if !allowAll {
				return nil, engine.NewSchemaError(fmt.Sprintf("%q is not allowed for dimension %s here", AllMembers, dim), nil)
			}
			if !registry.Has(dim) {
				return nil, engine.NewSchemaError(fmt.Sprintf("dimension %q is not declared", dim), nil).
					WithCode(engine.ErrCodeNotFound)
			}
			continue
		case NoMember, "":
			if !registry.Has(dim) {
				return nil, engine.NewSchemaError(fmt.Sprintf("dimension %q is not declared", dim), nil).
					WithCode(engine.ErrCodeNotFound)
			}
			values = append(values, engine.Unset(dim))
		default:
			v, err := registry.ParseValue(dim + "." + spec)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
	}
	return values, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
