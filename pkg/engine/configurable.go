package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Identity properties every entity type carries.
const (
	PropertyName   = "name"
	PropertyOutput = "output"
)

// Configurable is a user-declared entity (project, solution, ...) that is
// resolved into one Configuration per target. Its identity properties are
// locked while a resolution is in progress.
type Configurable struct {
	name   string
	typ    *EntityType
	schema *TargetSchema
	space  TargetSpace

	resolving atomic.Bool

	mu       sync.RWMutex
	identity map[string]interface{}
	configs  []*Configuration
	byTarget map[string]*Configuration
}

// NewConfigurable creates an entity of type typ spanning space over schema.
func NewConfigurable(name string, typ *EntityType, schema *TargetSchema, space TargetSpace) (*Configurable, error) {
	if name == "" {
		return nil, NewSchemaError("entity name is empty", nil)
	}
	if typ == nil {
		return nil, NewSchemaError(fmt.Sprintf("entity %q has no type", name), nil).WithEntity(name)
	}
	if schema == nil {
		return nil, NewSchemaError(fmt.Sprintf("entity %q has no target schema", name), nil).WithEntity(name)
	}

	c := &Configurable{
		name:     name,
		typ:      typ,
		schema:   schema,
		space:    space,
		identity: map[string]interface{}{PropertyName: name},
		configs:  make([]*Configuration, 0),
		byTarget: make(map[string]*Configuration),
	}
	return c, nil
}

// Name returns the entity name as it was at construction. Use
// Identity(PropertyName) for the current value.
func (c *Configurable) Name() string {
	return c.name
}

// Type returns the entity type.
func (c *Configurable) Type() *EntityType {
	return c.typ
}

// Schema returns the target schema of the entity.
func (c *Configurable) Schema() *TargetSchema {
	return c.schema
}

// Space returns the declared target space.
func (c *Configurable) Space() TargetSpace {
	return c.space
}

// Resolving reports whether a resolution of the entity is in progress.
func (c *Configurable) Resolving() bool {
	return c.resolving.Load()
}

// SetIdentity writes an identity property. While the entity is being
// resolved the write is refused with a locked mutation error naming the
// property and the caller's file:line.
func (c *Configurable) SetIdentity(property string, value interface{}) error {
	return c.setIdentity(property, value, "", 3)
}

// SetIdentityAt is SetIdentity for callers that know a better position
// than the Go call site, such as a script interpreter. An empty site falls
// back to the caller's file:line.
func (c *Configurable) SetIdentityAt(property string, value interface{}, site string) error {
	return c.setIdentity(property, value, site, 3)
}

// SetName sets the "name" identity property.
func (c *Configurable) SetName(name string) error {
	return c.setIdentity(PropertyName, name, "", 3)
}

// SetOutput sets the "output" identity property.
func (c *Configurable) SetOutput(output string) error {
	return c.setIdentity(PropertyOutput, output, "", 3)
}

func (c *Configurable) setIdentity(property string, value interface{}, site string, skip int) error {
	if c.resolving.Load() {
		if site == "" {
			site = callerSite(skip)
		}
		return NewLockedMutationError(&LockedMutationError{
			Property: property,
			Entity:   c.name,
			Site:     site,
		})
	}
	if property != PropertyName && property != PropertyOutput && !c.typ.hasIdentity(property) {
		return NewSchemaError(
			fmt.Sprintf("%q is not an identity property of type %q", property, c.typ.name), nil,
		).WithEntity(c.name).WithCode(ErrCodeNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity[property] = value
	return nil
}

// Identity returns an identity property.
func (c *Configurable) Identity(property string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.identity[property]
	return v, ok
}

// IdentityProperties returns a copy of every identity property, keyed by name.
func (c *Configurable) IdentityProperties() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.identity))
	for k, v := range c.identity {
		out[k] = v
	}
	return out
}

// Configurations returns the configurations published by the last
// successful resolution, in target expansion order.
func (c *Configurable) Configurations() []*Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Configuration, len(c.configs))
	copy(out, c.configs)
	return out
}

// Configuration returns the published configuration for a target string.
func (c *Configurable) Configuration(target string) (*Configuration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conf, ok := c.byTarget[target]
	return conf, ok
}

// TargetStrings returns the canonical strings of published configurations, sorted.
func (c *Configurable) TargetStrings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byTarget))
	for s := range c.byTarget {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// publish replaces the published configurations.
func (c *Configurable) publish(configs []*Configuration) {
	byTarget := make(map[string]*Configuration, len(configs))
	for _, conf := range configs {
		byTarget[conf.target.String()] = conf
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = configs
	c.byTarget = byTarget
}

// resolutionGuard holds an entity's resolution lock until Release.
type resolutionGuard struct {
	c    *Configurable
	once sync.Once
}

// beginResolution locks the entity's identity. The returned guard must be
// released on every path, normally with defer.
func (c *Configurable) beginResolution() (*resolutionGuard, error) {
	if !c.resolving.CompareAndSwap(false, true) {
		return nil, &EngineError{
			Class:   ErrorClassInternal,
			Message: "entity is already being resolved",
			Code:    ErrCodeResolutionInProgress,
			Entity:  c.name,
		}
	}
	return &resolutionGuard{c: c}, nil
}

// Release unlocks the entity. Calling it more than once is harmless.
func (g *resolutionGuard) Release() {
	g.once.Do(func() {
		g.c.resolving.Store(false)
	})
}
