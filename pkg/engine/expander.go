package engine

import (
	"fmt"
)

// TargetSet is the ordered, collision-free result of expanding a TargetSpace.
type TargetSet struct {
	targets []Target
	sources []string
	byKey   map[string]int
}

func newTargetSet() *TargetSet {
	return &TargetSet{
		targets: make([]Target, 0),
		sources: make([]string, 0),
		byKey:   make(map[string]int),
	}
}

// Targets returns the targets in expansion order.
func (s *TargetSet) Targets() []Target {
	out := make([]Target, len(s.targets))
	copy(out, s.targets)
	return out
}

// Len returns the number of targets.
func (s *TargetSet) Len() int {
	return len(s.targets)
}

// Contains reports whether the set holds a structurally equal target.
func (s *TargetSet) Contains(t Target) bool {
	_, ok := s.byKey[t.Key()]
	return ok
}

// Source returns the declaration site of the mask that produced t.
func (s *TargetSet) Source(t Target) string {
	if i, ok := s.byKey[t.Key()]; ok {
		return s.sources[i]
	}
	return ""
}

// Strings returns the canonical strings in expansion order.
func (s *TargetSet) Strings() []string {
	out := make([]string, len(s.targets))
	for i, t := range s.targets {
		out[i] = t.String()
	}
	return out
}

// Equal reports whether two sets hold the same targets, regardless of order.
func (s *TargetSet) Equal(o *TargetSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	for k := range s.byKey {
		if _, ok := o.byKey[k]; !ok {
			return false
		}
	}
	return true
}

// TargetExpander turns target masks into concrete targets.
type TargetExpander struct {
	registry *FragmentRegistry
}

// NewTargetExpander creates an expander over a fragment registry.
func NewTargetExpander(registry *FragmentRegistry) *TargetExpander {
	return &TargetExpander{registry: registry}
}

// Expand computes the concrete targets of a space. Masks are expanded in
// order and each mask enumerates its cartesian product with the first
// schema dimension varying slowest. Exclusions are applied per target.
//
// Two masks producing the same target, or two distinct targets sharing a
// canonical string, fail with a duplicate target error before anything is
// returned.
func (e *TargetExpander) Expand(schema *TargetSchema, space TargetSpace) (*TargetSet, error) {
	if schema == nil {
		return nil, NewSchemaError("target schema is nil", nil)
	}
	if schema.registry != e.registry {
		return nil, NewSchemaError("target schema belongs to a different fragment registry", nil)
	}

	allowed := space.allowedBits()
	set := newTargetSet()
	byString := make(map[string]int)

	for _, mask := range space.Masks {
		axes, err := e.axes(schema, mask, allowed)
		if err != nil {
			return nil, err
		}

		seenInMask := make(map[string]bool)
		var expandErr error
		forEachCombination(axes, func(raw []uint64) bool {
			t := schema.target(raw)
			if excluded(t, space.Exclusions) {
				return true
			}

			key := t.Key()
			if seenInMask[key] {
				return true
			}
			seenInMask[key] = true

			if i, ok := set.byKey[key]; ok {
				expandErr = NewDuplicateTargetError(&DuplicateTargetError{
					Target:       t.String(),
					First:        set.targets[i],
					Second:       t,
					FirstSource:  set.sources[i],
					SecondSource: mask.Source,
					Differences:  []string{},
				})
				return false
			}

			if i, ok := byString[t.String()]; ok {
				prev := set.targets[i]
				diff := prev.differences(t)
				if len(diff) == 0 {
					expandErr = NewInternalError(
						fmt.Sprintf("targets %q share a canonical string but no differing dimension was found", t.String()), nil,
					).WithTarget(t.String())
					return false
				}
				expandErr = NewDuplicateTargetError(&DuplicateTargetError{
					Target:       t.String(),
					First:        prev,
					Second:       t,
					FirstSource:  set.sources[i],
					SecondSource: mask.Source,
					Differences:  diff,
				})
				return false
			}

			byString[t.String()] = len(set.targets)
			set.byKey[key] = len(set.targets)
			set.targets = append(set.targets, t)
			set.sources = append(set.sources, mask.Source)
			return true
		})
		if expandErr != nil {
			return nil, expandErr
		}
	}

	return set, nil
}

// axes returns the candidate values of every schema dimension for one mask.
func (e *TargetExpander) axes(schema *TargetSchema, mask TargetMask, allowed map[string]uint64) ([][]uint64, error) {
	for d := range mask.fixed {
		if _, ok := schema.index[d]; !ok {
			return nil, NewSchemaError(
				fmt.Sprintf("target mask at %s fixes dimension %q which is not in the target schema", sourceOrUnknown(mask.Source), d), nil,
			)
		}
	}

	axes := make([][]uint64, len(schema.dimensions))
	for i, d := range schema.dimensions {
		var candidates []uint64
		var err error
		if b, ok := mask.fixed[d]; ok {
			candidates, err = e.registry.Split(Value{Dimension: d, Bits: b})
		} else {
			candidates, err = e.registry.AllValues(d)
		}
		if err != nil {
			return nil, err
		}

		if limit, ok := allowed[d]; ok {
			filtered := make([]uint64, 0, len(candidates))
			for _, c := range candidates {
				if c == 0 || c&limit != 0 {
					filtered = append(filtered, c)
				}
			}
			candidates = filtered
		}
		axes[i] = candidates
	}
	return axes, nil
}

// forEachCombination walks the cartesian product of axes, last axis fastest.
// It stops early when fn returns false. An empty axis yields nothing.
func forEachCombination(axes [][]uint64, fn func([]uint64) bool) {
	for _, a := range axes {
		if len(a) == 0 {
			return
		}
	}

	idx := make([]int, len(axes))
	for {
		raw := make([]uint64, len(axes))
		for i, a := range axes {
			raw[i] = a[idx[i]]
		}
		if !fn(raw) {
			return
		}

		pos := len(axes) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(axes[pos]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return
		}
	}
}

func excluded(t Target, exclusions []TargetMask) bool {
	for _, ex := range exclusions {
		if len(ex.fixed) > 0 && ex.matches(t) {
			return true
		}
	}
	return false
}
