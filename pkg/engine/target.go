package engine

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// TargetSchema is the ordered list of dimensions an entity's targets span.
type TargetSchema struct {
	registry   *FragmentRegistry
	dimensions []string
	index      map[string]int
}

// NewTargetSchema creates a schema over registered dimensions.
// The order of dims is the order used for canonical target strings.
func NewTargetSchema(registry *FragmentRegistry, dims ...string) (*TargetSchema, error) {
	if registry == nil {
		return nil, NewSchemaError("fragment registry is nil", nil)
	}

	s := &TargetSchema{
		registry:   registry,
		dimensions: make([]string, 0, len(dims)),
		index:      make(map[string]int, len(dims)),
	}
	for _, d := range dims {
		if !registry.Has(d) {
			return nil, NewSchemaError(fmt.Sprintf("dimension %q is not registered", d), nil).
				WithCode(ErrCodeNotFound)
		}
		if _, dup := s.index[d]; dup {
			return nil, NewSchemaError(fmt.Sprintf("dimension %q appears twice in target schema", d), nil)
		}
		s.index[d] = len(s.dimensions)
		s.dimensions = append(s.dimensions, d)
	}
	return s, nil
}

// Dimensions returns the schema's dimension names in order.
func (s *TargetSchema) Dimensions() []string {
	out := make([]string, len(s.dimensions))
	copy(out, s.dimensions)
	return out
}

// Registry returns the fragment registry backing the schema.
func (s *TargetSchema) Registry() *FragmentRegistry {
	return s.registry
}

// NewTarget builds a target from one value per schema dimension.
// Dimensions not given are unset.
func (s *TargetSchema) NewTarget(values ...Value) (Target, error) {
	raw := make([]uint64, len(s.dimensions))
	for _, v := range values {
		i, ok := s.index[v.Dimension]
		if !ok {
			return Target{}, NewSchemaError(fmt.Sprintf("dimension %q is not part of the target schema", v.Dimension), nil)
		}
		if v.Bits != 0 && !isSingleBit(v.Bits) {
			return Target{}, NewSchemaError(
				fmt.Sprintf("target value %s must have exactly one bit set", v), nil,
			).WithCode(ErrCodeInvalidBitPattern)
		}
		raw[i] = v.Bits
	}
	return s.target(raw), nil
}

func (s *TargetSchema) target(raw []uint64) Target {
	names := make([]string, 0, len(raw))
	for i, b := range raw {
		if b == 0 {
			continue
		}
		names = append(names, s.registry.MemberName(s.dimensions[i], b))
	}
	return Target{schema: s, values: raw, str: strings.Join(names, "_")}
}

// Target is one concrete point of the configuration space: exactly one
// value per schema dimension, where zero means the dimension is unset.
// Targets are immutable values.
type Target struct {
	schema *TargetSchema
	values []uint64
	str    string
}

// String returns the canonical target string: the member names of every set
// dimension in schema order, joined with "_".
func (t Target) String() string {
	return t.str
}

// Key returns a structural identity key; two targets are Equal exactly when
// their keys match.
func (t Target) Key() string {
	if t.schema == nil {
		return ""
	}
	var sb strings.Builder
	for i, d := range t.schema.dimensions {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(d)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatUint(t.values[i], 16))
	}
	return sb.String()
}

// Equal reports structural equality.
func (t Target) Equal(o Target) bool {
	if len(t.values) != len(o.values) {
		return false
	}
	if t.schema != o.schema && (t.schema == nil || o.schema == nil ||
		!equalStrings(t.schema.dimensions, o.schema.dimensions)) {
		return false
	}
	for i := range t.values {
		if t.values[i] != o.values[i] {
			return false
		}
	}
	return true
}

// Value returns the target's bits on a dimension and whether the schema has
// the dimension at all.
func (t Target) Value(dimension string) (uint64, bool) {
	if t.schema == nil {
		return 0, false
	}
	i, ok := t.schema.index[dimension]
	if !ok {
		return 0, false
	}
	return t.values[i], true
}

// Get returns the member name of the target on a dimension, or "" if unset.
func (t Target) Get(dimension string) string {
	b, ok := t.Value(dimension)
	if !ok || b == 0 {
		return ""
	}
	return t.schema.registry.MemberName(dimension, b)
}

// Values returns the target's values in schema order.
func (t Target) Values() []Value {
	if t.schema == nil {
		return nil
	}
	out := make([]Value, len(t.values))
	for i, d := range t.schema.dimensions {
		out[i] = Value{Dimension: d, Bits: t.values[i]}
	}
	return out
}

// AndMask reports whether the target satisfies a filter value: the target's
// value on the dimension is set and contained in v. A single-bit v therefore
// matches exactly that member and a composite v matches any of its members.
// Targets whose schema lacks the dimension are not constrained by v.
func (t Target) AndMask(v Value) bool {
	b, ok := t.Value(v.Dimension)
	if !ok {
		return true
	}
	return b != 0 && b&v.Bits == b
}

// differences returns the dimensions on which two targets of the same schema differ.
func (t Target) differences(o Target) []string {
	diff := make([]string, 0)
	if t.schema == nil {
		return diff
	}
	for i, d := range t.schema.dimensions {
		if i >= len(o.values) || t.values[i] != o.values[i] {
			diff = append(diff, d)
		}
	}
	return diff
}

func equalStrings(a, b []string) bool {
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

// TargetMask describes a set of targets: per dimension either a fixed value
// or, when the dimension is omitted, all values of the dimension.
type TargetMask struct {
	fixed map[string]uint64

	// Source is the declaration site of the mask, used in duplicate reports.
	Source string
}

// NewTargetMask creates a mask from fixed values. Values on the same
// dimension are combined. The caller's file:line is recorded as Source.
func NewTargetMask(values ...Value) TargetMask {
	m := TargetMask{fixed: make(map[string]uint64, len(values)), Source: callerSite(2)}
	for _, v := range values {
		m.fixed[v.Dimension] |= v.Bits
	}
	return m
}

// WithSource returns a copy of the mask with an explicit source.
func (m TargetMask) WithSource(source string) TargetMask {
	m.Source = source
	return m
}

// Fixed returns the fixed bits on a dimension and whether the dimension is
// fixed at all. Zero bits with ok=true means explicitly unset.
func (m TargetMask) Fixed(dimension string) (uint64, bool) {
	b, ok := m.fixed[dimension]
	return b, ok
}

// FixedDimensions returns the dimensions the mask fixes, sorted.
func (m TargetMask) FixedDimensions() []string {
	out := make([]string, 0, len(m.fixed))
	for d := range m.fixed {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// matches reports whether t lies inside the mask when the mask is used as an
// exclusion: on every fixed dimension the target's value intersects the mask.
func (m TargetMask) matches(t Target) bool {
	for d, b := range m.fixed {
		tv, ok := t.Value(d)
		if !ok {
			continue
		}
		if b == 0 {
			if tv != 0 {
				return false
			}
			continue
		}
		if tv&b == 0 {
			return false
		}
	}
	return true
}

// TargetSpace is the declared configuration space of an entity. A space
// with no masks expands to no targets; the description front end gives an
// entity that declares no targets one empty mask, which selects every value
// of every dimension.
type TargetSpace struct {
	// Masks are expanded and unioned in order.
	Masks []TargetMask

	// Exclusions remove every target that matches any of them.
	Exclusions []TargetMask

	// Allowed restricts each listed dimension to the given bits.
	// Dimensions not listed are unrestricted.
	Allowed []Value
}

// AddTargets appends a mask built from values, recording the caller as source.
func (s *TargetSpace) AddTargets(values ...Value) {
	m := NewTargetMask(values...)
	m.Source = callerSite(2)
	s.Masks = append(s.Masks, m)
}

// AddExcludedTargets appends an exclusion mask.
func (s *TargetSpace) AddExcludedTargets(values ...Value) {
	m := NewTargetMask(values...)
	m.Source = callerSite(2)
	s.Exclusions = append(s.Exclusions, m)
}

// AddFragmentMask restricts the values a dimension may take.
func (s *TargetSpace) AddFragmentMask(values ...Value) {
	s.Allowed = append(s.Allowed, values...)
}

func (s TargetSpace) allowedBits() map[string]uint64 {
	if len(s.Allowed) == 0 {
		return nil
	}
	out := make(map[string]uint64, len(s.Allowed))
	for _, v := range s.Allowed {
		out[v.Dimension] |= v.Bits
	}
	return out
}

// callerSite returns file:line of the caller skip frames above callerSite.
func callerSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}
	return fmt.Sprintf("%s:%d", file, line)
}
