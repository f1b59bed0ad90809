package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// RuleFunc is the body of a configure rule. It mutates conf for target and
// may read the entity. Returning an error aborts resolution of the entity.
type RuleFunc func(entity *Configurable, conf *Configuration, target Target) error

// RuleDecl declares a configure rule on an entity type. A declaration with
// the same Name as one on an ancestor type overrides it.
type RuleDecl struct {
	Name string
	Body RuleFunc

	priority  int
	hasPrio   bool
	filter    []Value
	hasFilter bool
}

// RuleOption customizes a rule declaration.
type RuleOption func(*RuleDecl)

// WithPriority sets the rule priority. Lower priorities run first.
func WithPriority(p int) RuleOption {
	return func(d *RuleDecl) {
		d.priority = p
		d.hasPrio = true
	}
}

// WithFilter restricts the rule to targets satisfying every value.
func WithFilter(values ...Value) RuleOption {
	return func(d *RuleDecl) {
		d.filter = append(d.filter, values...)
		d.hasFilter = true
	}
}

// Configure declares a configure rule.
func Configure(name string, body RuleFunc, opts ...RuleOption) RuleDecl {
	d := RuleDecl{Name: name, Body: body}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Priority returns the effective priority of the declaration.
func (d RuleDecl) Priority() int {
	return d.priority
}

// Filter returns the effective filter of the declaration.
func (d RuleDecl) Filter() []Value {
	out := make([]Value, len(d.filter))
	copy(out, d.filter)
	return out
}

// EntityType is a node of the entity type hierarchy. Types are immutable
// once defined.
type EntityType struct {
	name     string
	parent   *EntityType
	identity []string
	decls    []RuleDecl
	declIdx  map[string]int
}

// Name returns the type name.
func (t *EntityType) Name() string {
	return t.name
}

// Parent returns the parent type, or nil for a root type.
func (t *EntityType) Parent() *EntityType {
	return t.parent
}

// Declares reports whether the type itself declares a rule signature.
func (t *EntityType) Declares(signature string) bool {
	_, ok := t.declIdx[signature]
	return ok
}

// Declarations returns the rules declared directly on the type in order.
func (t *EntityType) Declarations() []RuleDecl {
	out := make([]RuleDecl, len(t.decls))
	copy(out, t.decls)
	return out
}

// Chain returns the type hierarchy from the root type down to t.
func (t *EntityType) Chain() []*EntityType {
	chain := make([]*EntityType, 0, 4)
	for cur := t; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// IsA reports whether t is other or derives from it.
func (t *EntityType) IsA(other *EntityType) bool {
	for cur := t; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}
	return false
}

// IdentityProperties returns the identity properties declared along the
// hierarchy, base types first.
func (t *EntityType) IdentityProperties() []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, c := range t.Chain() {
		for _, p := range c.identity {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (t *EntityType) hasIdentity(prop string) bool {
	for cur := t; cur != nil; cur = cur.parent {
		for _, p := range cur.identity {
			if p == prop {
				return true
			}
		}
	}
	return false
}

// lookup finds the nearest declaration of signature at or above t.
func (t *EntityType) lookup(signature string) (RuleDecl, *EntityType, bool) {
	for cur := t; cur != nil; cur = cur.parent {
		if i, ok := cur.declIdx[signature]; ok {
			return cur.decls[i], cur, true
		}
	}
	return RuleDecl{}, nil, false
}

// TypeSpec describes an entity type to define.
type TypeSpec struct {
	Name     string
	Parent   *EntityType
	Identity []string
	Rules    []RuleDecl
}

// TypeRegistry defines and looks up entity types.
type TypeRegistry struct {
	mu     sync.RWMutex
	types  map[string]*EntityType
	order  []string
	logger zerolog.Logger
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry(logger zerolog.Logger) *TypeRegistry {
	return &TypeRegistry{
		types:  make(map[string]*EntityType),
		order:  make([]string, 0),
		logger: logger.With().Str("component", "types").Logger(),
	}
}

// Define validates and registers an entity type.
//
// An override may omit priority and filter, in which case it inherits them
// from the declaration it overrides. Restating an identical filter or
// priority is accepted with a warning; a different filter is a schema error.
func (r *TypeRegistry) Define(spec TypeSpec) (*EntityType, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, NewSchemaError("entity type name is empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[spec.Name]; exists {
		return nil, NewSchemaError(fmt.Sprintf("entity type %q is already defined", spec.Name), nil)
	}
	if spec.Parent != nil {
		if registered, ok := r.types[spec.Parent.name]; !ok || registered != spec.Parent {
			return nil, NewSchemaError(
				fmt.Sprintf("parent type %q of %q is not defined in this registry", spec.Parent.name, spec.Name), nil,
			).WithCode(ErrCodeNotFound)
		}
	}

	t := &EntityType{
		name:     spec.Name,
		parent:   spec.Parent,
		identity: append([]string(nil), spec.Identity...),
		decls:    make([]RuleDecl, 0, len(spec.Rules)),
		declIdx:  make(map[string]int, len(spec.Rules)),
	}

	for _, d := range spec.Rules {
		if strings.TrimSpace(d.Name) == "" {
			return nil, NewSchemaError(fmt.Sprintf("entity type %q declares a rule with an empty name", spec.Name), nil)
		}
		if d.Body == nil {
			return nil, NewSchemaError(fmt.Sprintf("rule %s.%s has no body", spec.Name, d.Name), nil)
		}
		if _, dup := t.declIdx[d.Name]; dup {
			return nil, NewSchemaError(fmt.Sprintf("entity type %q declares rule %q twice", spec.Name, d.Name), nil)
		}

		if spec.Parent != nil {
			if base, baseType, ok := spec.Parent.lookup(d.Name); ok {
				var err error
				d, err = r.reconcileOverride(spec.Name, d, baseType, base)
				if err != nil {
					return nil, err
				}
			}
		}

		d.filter = append([]Value(nil), d.filter...)
		t.declIdx[d.Name] = len(t.decls)
		t.decls = append(t.decls, d)
	}

	r.types[spec.Name] = t
	r.order = append(r.order, spec.Name)
	return t, nil
}

// reconcileOverride applies inheritance of priority and filter metadata.
func (r *TypeRegistry) reconcileOverride(typeName string, d RuleDecl, baseType *EntityType, base RuleDecl) (RuleDecl, error) {
	rule := typeName + "." + d.Name

	if !d.hasPrio {
		d.priority = base.priority
		d.hasPrio = base.hasPrio
	} else if base.hasPrio && base.priority == d.priority {
		r.logger.Warn().
			Str("rule", rule).
			Str("base", baseType.name).
			Int("priority", d.priority).
			Msg("Redundant priority on override")
	}

	if !d.hasFilter {
		d.filter = base.filter
		d.hasFilter = base.hasFilter
		return d, nil
	}

	if !sameFilter(d.filter, base.filter) {
		return d, NewSchemaError(
			fmt.Sprintf("rule %s overrides %s.%s with a different filter", rule, baseType.name, d.Name), nil,
		).WithCode(ErrCodeRuleFilterMismatch).
			WithRule(rule).
			WithDetail("filter", d.filter).
			WithDetail("base_filter", base.filter)
	}

	r.logger.Warn().
		Str("rule", rule).
		Str("base", baseType.name).
		Msg("Redundant filter on override")
	return d, nil
}

func sameFilter(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MustDefine defines a type and panics on error.
func (r *TypeRegistry) MustDefine(spec TypeSpec) *EntityType {
	t, err := r.Define(spec)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns a defined type by name.
func (r *TypeRegistry) Lookup(name string) (*EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Types returns all defined types in definition order.
func (r *TypeRegistry) Types() []*EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EntityType, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.types[n])
	}
	return out
}

// ConfigureRule is a resolved rule visible on a leaf entity type.
type ConfigureRule struct {
	// Signature is the rule name shared by a declaration and its overrides.
	Signature string

	// DeclaringType is the most-derived type declaring the signature.
	DeclaringType *EntityType

	// RootType is the highest ancestor declaring the signature.
	RootType *EntityType

	// Priority is the effective priority; lower runs first.
	Priority int

	// Filter is the conjunction of values a target must satisfy.
	Filter []Value

	// Rank is the declaration rank inside RootType.
	Rank int

	Body RuleFunc
}

// String returns the qualified rule name.
func (r *ConfigureRule) String() string {
	return r.DeclaringType.name + "." + r.Signature
}

// Matches reports whether the rule applies to a target.
func (r *ConfigureRule) Matches(t Target) bool {
	for _, v := range r.Filter {
		if !t.AndMask(v) {
			return false
		}
	}
	return true
}
