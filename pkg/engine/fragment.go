package engine

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
)

// Member is one named value of a fragment dimension.
type Member struct {
	// Name is the member name used in canonical target strings.
	Name string `json:"name" yaml:"name"`

	// Bits is the member's bit pattern.
	Bits uint64 `json:"bits" yaml:"bits"`

	// Composite marks a convenience group whose pattern is the OR of several
	// single-bit members. Composite members never appear in expanded targets.
	Composite bool `json:"composite,omitempty" yaml:"composite,omitempty"`

	// TolerateDuplicate allows the member to share its pattern with another member.
	TolerateDuplicate bool `json:"tolerate_duplicate,omitempty" yaml:"tolerate_duplicate,omitempty"`
}

// Single returns a single-bit member.
func Single(name string, bits uint64) Member {
	return Member{Name: name, Bits: bits}
}

// Composite returns a composite member grouping several bits.
func Composite(name string, bits uint64) Member {
	return Member{Name: name, Bits: bits, Composite: true}
}

// Tolerant returns a member that may alias the pattern of another member.
func Tolerant(name string, bits uint64) Member {
	return Member{Name: name, Bits: bits, TolerateDuplicate: true}
}

// Dimension is a named, enumerated axis of the configuration space.
type Dimension struct {
	Name    string   `json:"name" yaml:"name"`
	Members []Member `json:"members" yaml:"members"`
}

// NewDimension creates a dimension from its members.
func NewDimension(name string, members ...Member) *Dimension {
	return &Dimension{Name: name, Members: members}
}

// Value is a bit pattern on a named dimension. It is used both as a fixed
// mask value and as a rule filter value.
type Value struct {
	Dimension string `json:"dimension" yaml:"dimension"`
	Bits      uint64 `json:"bits" yaml:"bits"`
}

// Unset returns the explicit "no value" for a dimension.
func Unset(dimension string) Value {
	return Value{Dimension: dimension}
}

// String returns the value as dimension:0xbits.
func (v Value) String() string {
	return fmt.Sprintf("%s:%#x", v.Dimension, v.Bits)
}

// isSingleBit reports whether b has exactly one bit set.
func isSingleBit(b uint64) bool {
	return b != 0 && b&(b-1) == 0
}

// FragmentRegistry holds the validated fragment dimensions.
// It is safe for concurrent use; registration is expected to happen once at
// startup and lookups dominate afterwards.
type FragmentRegistry struct {
	mu    sync.RWMutex
	dims  map[string]*Dimension
	order []string
}

// NewFragmentRegistry creates an empty fragment registry.
func NewFragmentRegistry() *FragmentRegistry {
	return &FragmentRegistry{
		dims:  make(map[string]*Dimension),
		order: make([]string, 0),
	}
}

// Register validates and stores a dimension.
// Registering an identical dimension twice is a no-op; registering a
// different dimension under an existing name is a schema error.
func (r *FragmentRegistry) Register(dim *Dimension) error {
	if dim == nil {
		return NewSchemaError("dimension is nil", nil)
	}
	if err := validateDimension(dim); err != nil {
		return err
	}

	stored := copyDimension(dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.dims[dim.Name]; ok {
		if dimensionsEqual(existing, stored) {
			return nil
		}
		return NewSchemaError(
			fmt.Sprintf("dimension %q is already registered with different members", dim.Name), nil,
		).WithCode(ErrCodeDimensionConflict)
	}

	r.dims[dim.Name] = stored
	r.order = append(r.order, dim.Name)
	return nil
}

// MustRegister registers dimensions and panics on the first error.
func (r *FragmentRegistry) MustRegister(dims ...*Dimension) {
	for _, d := range dims {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// validateDimension checks member names and bit patterns.
func validateDimension(dim *Dimension) error {
	if strings.TrimSpace(dim.Name) == "" {
		return NewSchemaError("dimension name is empty", nil)
	}
	if len(dim.Members) == 0 {
		return NewSchemaError(fmt.Sprintf("dimension %q has no members", dim.Name), nil).
			WithCode(ErrCodeEmptyDimension)
	}

	names := make(map[string]bool, len(dim.Members))
	patterns := make(map[uint64]string, len(dim.Members))

	for _, m := range dim.Members {
		if strings.TrimSpace(m.Name) == "" {
			return NewSchemaError(fmt.Sprintf("dimension %q has a member with an empty name", dim.Name), nil)
		}
		if names[m.Name] {
			return NewSchemaError(fmt.Sprintf("dimension %q declares member %q twice", dim.Name, m.Name), nil)
		}
		names[m.Name] = true

		if m.Bits == 0 {
			return NewSchemaError(
				fmt.Sprintf("member %s.%s has a zero bit pattern", dim.Name, m.Name), nil,
			).WithCode(ErrCodeInvalidBitPattern)
		}

		if m.Composite || m.TolerateDuplicate {
			continue
		}

		if !isSingleBit(m.Bits) {
			return NewSchemaError(
				fmt.Sprintf("member %s.%s has value %#x which is not a power of two", dim.Name, m.Name, m.Bits), nil,
			).WithCode(ErrCodeInvalidBitPattern)
		}

		if other, ok := patterns[m.Bits]; ok {
			return NewSchemaError(
				fmt.Sprintf("members %s.%s and %s.%s share bit pattern %#x", dim.Name, other, dim.Name, m.Name, m.Bits), nil,
			).WithCode(ErrCodeDuplicateBitPattern)
		}
		patterns[m.Bits] = m.Name
	}

	return nil
}

func copyDimension(dim *Dimension) *Dimension {
	members := make([]Member, len(dim.Members))
	copy(members, dim.Members)
	return &Dimension{Name: dim.Name, Members: members}
}

func dimensionsEqual(a, b *Dimension) bool {
	if a.Name != b.Name || len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}

// Dimension returns a copy of the named dimension.
func (r *FragmentRegistry) Dimension(name string) (*Dimension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dims[name]
	if !ok {
		return nil, NewSchemaError(fmt.Sprintf("dimension %q is not registered", name), nil).
			WithCode(ErrCodeNotFound)
	}
	return copyDimension(d), nil
}

// Members returns the members of the named dimension in declaration order.
func (r *FragmentRegistry) Members(name string) ([]Member, error) {
	d, err := r.Dimension(name)
	if err != nil {
		return nil, err
	}
	return d.Members, nil
}

// Names returns the registered dimension names in registration order.
func (r *FragmentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Has reports whether a dimension is registered.
func (r *FragmentRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dims[name]
	return ok
}

// Value returns the Value for dimension.member.
func (r *FragmentRegistry) Value(dimension, member string) (Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dims[dimension]
	if !ok {
		return Value{}, NewSchemaError(fmt.Sprintf("dimension %q is not registered", dimension), nil).
			WithCode(ErrCodeNotFound)
	}
	for _, m := range d.Members {
		if m.Name == member {
			return Value{Dimension: dimension, Bits: m.Bits}, nil
		}
	}
	return Value{}, NewSchemaError(fmt.Sprintf("dimension %q has no member %q", dimension, member), nil).
		WithCode(ErrCodeNotFound)
}

// ParseValue parses "dimension.member" into a Value. Several members of the
// same dimension may be combined with "|", e.g. "platform.win32|win64".
func (r *FragmentRegistry) ParseValue(s string) (Value, error) {
	dim, rest, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || dim == "" || rest == "" {
		return Value{}, NewSchemaError(fmt.Sprintf("invalid fragment value %q, expected dimension.member", s), nil)
	}

	out := Value{Dimension: dim}
	for _, name := range strings.Split(rest, "|") {
		v, err := r.Value(dim, strings.TrimSpace(name))
		if err != nil {
			return Value{}, err
		}
		out.Bits |= v.Bits
	}
	return out, nil
}

// AllValues returns the distinct single-bit patterns of a dimension in
// declaration order. Composite members are excluded and duplicate-tolerant
// aliases collapse onto the first member carrying the pattern.
func (r *FragmentRegistry) AllValues(name string) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dims[name]
	if !ok {
		return nil, NewSchemaError(fmt.Sprintf("dimension %q is not registered", name), nil).
			WithCode(ErrCodeNotFound)
	}

	seen := make(map[uint64]bool, len(d.Members))
	values := make([]uint64, 0, len(d.Members))
	for _, m := range d.Members {
		if m.Composite || !isSingleBit(m.Bits) || seen[m.Bits] {
			continue
		}
		seen[m.Bits] = true
		values = append(values, m.Bits)
	}
	return values, nil
}

// Split returns the single-bit components of a fixed value, ordered the way
// the dimension declares them. Bits with no declared member are an error.
func (r *FragmentRegistry) Split(v Value) ([]uint64, error) {
	if v.Bits == 0 {
		return []uint64{0}, nil
	}

	all, err := r.AllValues(v.Dimension)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, 0, bits.OnesCount64(v.Bits))
	var covered uint64
	for _, b := range all {
		if v.Bits&b != 0 {
			out = append(out, b)
			covered |= b
		}
	}
	if covered != v.Bits {
		return nil, NewSchemaError(
			fmt.Sprintf("value %#x of dimension %q has undeclared bits %#x", v.Bits, v.Dimension, v.Bits&^covered), nil,
		).WithCode(ErrCodeInvalidBitPattern)
	}
	return out, nil
}

// MemberName returns the name used for a single-bit pattern in canonical
// target strings: the first non-composite member that carries it.
func (r *FragmentRegistry) MemberName(dimension string, b uint64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.dims[dimension]; ok {
		for _, m := range d.Members {
			if !m.Composite && m.Bits == b {
				return m.Name
			}
		}
	}
	return fmt.Sprintf("%#x", b)
}

// Describe returns the member names covered by v, sorted, for diagnostics.
func (r *FragmentRegistry) Describe(v Value) string {
	parts, err := r.Split(v)
	if err != nil || (len(parts) == 1 && parts[0] == 0) {
		return v.String()
	}
	names := make([]string, 0, len(parts))
	for _, b := range parts {
		names = append(names, r.MemberName(v.Dimension, b))
	}
	sort.Strings(names)
	return v.Dimension + "." + strings.Join(names, "|")
}
