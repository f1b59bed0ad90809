package engine

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConfigurationFrozen is returned when a frozen configuration is mutated.
var ErrConfigurationFrozen = errors.New("configuration is frozen")

// Dependency is an edge from a configuration to another entity's
// configuration for the same target.
type Dependency struct {
	Entity   string            `json:"entity" yaml:"entity"`
	Type     DependencyType    `json:"type" yaml:"type"`
	Settings DependencySetting `json:"settings" yaml:"settings"`
}

// Configuration accumulates the resolved settings of one entity for one
// target. It is mutable while its entity's rule pass runs and frozen after.
type Configuration struct {
	mu     sync.RWMutex
	entity string
	target Target
	props  map[string]interface{}
	keys   []string
	deps   []Dependency
	frozen bool
}

func newConfiguration(entity string, target Target) *Configuration {
	return &Configuration{
		entity: entity,
		target: target,
		props:  make(map[string]interface{}),
		keys:   make([]string, 0),
		deps:   make([]Dependency, 0),
	}
}

// Entity returns the name of the owning entity.
func (c *Configuration) Entity() string {
	return c.entity
}

// Target returns the configuration's target.
func (c *Configuration) Target() Target {
	return c.target
}

// Set assigns a property.
func (c *Configuration) Set(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return fmt.Errorf("set %q on %s/%s: %w", key, c.entity, c.target, ErrConfigurationFrozen)
	}
	if _, ok := c.props[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.props[key] = cloneValue(value)
	return nil
}

// Append adds string values to a list property, creating it if needed.
func (c *Configuration) Append(key string, values ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return fmt.Errorf("append %q on %s/%s: %w", key, c.entity, c.target, ErrConfigurationFrozen)
	}

	var list []string
	if existing, ok := c.props[key]; ok {
		l, isList := existing.([]string)
		if !isList {
			return fmt.Errorf("property %q is %T, not a string list", key, existing)
		}
		list = l
	} else {
		c.keys = append(c.keys, key)
	}
	c.props[key] = append(list[:len(list):len(list)], values...)
	return nil
}

// AddDependency records a dependency edge.
func (c *Configuration) AddDependency(dep Dependency) error {
	if dep.Entity == "" {
		return fmt.Errorf("dependency entity name is empty")
	}
	if dep.Type == "" {
		dep.Type = DependencyPrivate
	}
	if err := dep.Type.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return fmt.Errorf("add dependency on %s/%s: %w", c.entity, c.target, ErrConfigurationFrozen)
	}
	c.deps = append(c.deps, dep)
	return nil
}

// Get returns a property value. Lists and maps are returned as copies.
func (c *Configuration) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props[key]
	return cloneValue(v), ok
}

// String returns a string property, or "" if absent or not a string.
func (c *Configuration) String(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Bool returns a boolean property, or false if absent or not a bool.
func (c *Configuration) Bool(key string) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)
	return b
}

// Strings returns a copy of a string list property.
func (c *Configuration) Strings(key string) []string {
	v, _ := c.Get(key)
	l, _ := v.([]string)
	if l == nil {
		return []string{}
	}
	return l
}

// Keys returns property names in first-assignment order.
func (c *Configuration) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Dependencies returns the recorded dependency edges.
func (c *Configuration) Dependencies() []Dependency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Dependency, len(c.deps))
	copy(out, c.deps)
	return out
}

// Freeze makes the configuration read-only.
func (c *Configuration) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// Frozen reports whether the configuration is read-only.
func (c *Configuration) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Snapshot is a serializable copy of a configuration.
type Snapshot struct {
	Entity       string                 `json:"entity" yaml:"entity"`
	Target       string                 `json:"target" yaml:"target"`
	Fragments    map[string]string      `json:"fragments" yaml:"fragments"`
	Properties   map[string]interface{} `json:"properties" yaml:"properties"`
	Dependencies []Dependency           `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Snapshot returns a serializable copy of the configuration.
func (c *Configuration) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	props := make(map[string]interface{}, len(c.props))
	for k, v := range c.props {
		props[k] = cloneValue(v)
	}

	fragments := make(map[string]string)
	for _, v := range c.target.Values() {
		if v.Bits != 0 {
			fragments[v.Dimension] = c.target.Get(v.Dimension)
		}
	}

	deps := make([]Dependency, len(c.deps))
	copy(deps, c.deps)

	return Snapshot{
		Entity:       c.entity,
		Target:       c.target.String(),
		Fragments:    fragments,
		Properties:   props,
		Dependencies: deps,
	}
}

// cloneValue copies the lists and maps of a property value so that no two
// configurations, and no caller, share its backing storage.
func cloneValue(v interface{}) interface{} {
	switch v := v.(type) {
	case []string:
		if v == nil {
			return v
		}
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		if v == nil {
			return v
		}
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]interface{}:
		if v == nil {
			return v
		}
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case map[string]string:
		if v == nil {
			return v
		}
		out := make(map[string]string, len(v))
		for k, e := range v {
			out[k] = e
		}
		return out
	default:
		return v
	}
}
