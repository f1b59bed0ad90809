package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestRegistry registers platform, devenv and optimization dimensions.
func newTestRegistry(t *testing.T) *FragmentRegistry {
	t.Helper()

	r := NewFragmentRegistry()
	require.NoError(t, r.Register(NewDimension("platform",
		Single("win32", 1),
		Single("win64", 2),
		Single("linux", 4),
	)))
	require.NoError(t, r.Register(NewDimension("devenv",
		Single("vs2017", 1),
		Single("vs2019", 2),
		Single("make", 4),
		Composite("visual_studio", 3),
	)))
	require.NoError(t, r.Register(NewDimension("optimization",
		Single("debug", 1),
		Single("release", 2),
		Single("retail", 4),
	)))
	return r
}

// mustValue looks up dimension.member or fails the test.
func mustValue(t *testing.T, r *FragmentRegistry, dim, member string) Value {
	t.Helper()
	v, err := r.Value(dim, member)
	require.NoError(t, err)
	return v
}

func mustSchema(t *testing.T, r *FragmentRegistry, dims ...string) *TargetSchema {
	t.Helper()
	s, err := NewTargetSchema(r, dims...)
	require.NoError(t, err)
	return s
}

func newTestTypes() *TypeRegistry {
	return NewTypeRegistry(zerolog.Nop())
}

// recordRule returns a rule body appending name to the "trace" property.
func recordRule(name string) RuleFunc {
	return func(_ *Configurable, conf *Configuration, _ Target) error {
		return conf.Append("trace", name)
	}
}

func newTestEntity(t *testing.T, name string, typ *EntityType, schema *TargetSchema, masks ...TargetMask) *Configurable {
	t.Helper()
	c, err := NewConfigurable(name, typ, schema, TargetSpace{Masks: masks})
	require.NoError(t, err)
	return c
}

func ruleNames(rules []*ConfigureRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Signature
	}
	return out
}
