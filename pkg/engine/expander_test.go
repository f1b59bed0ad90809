package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_AllValues(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")

	set, err := NewTargetExpander(r).Expand(schema, TargetSpace{Masks: []TargetMask{NewTargetMask()}})
	require.NoError(t, err)

	assert.Equal(t, 9, set.Len())
	assert.Equal(t, []string{
		"win32_debug", "win32_release", "win32_retail",
		"win64_debug", "win64_release", "win64_retail",
		"linux_debug", "linux_release", "linux_retail",
	}, set.Strings())
}

func TestExpand_FixedValuesSplitIntoMembers(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "devenv", "optimization")

	space := TargetSpace{}
	space.AddTargets(
		mustValue(t, r, "platform", "win32"),
		mustValue(t, r, "platform", "win64"),
		mustValue(t, r, "devenv", "visual_studio"),
		mustValue(t, r, "optimization", "release"),
	)

	set, err := NewTargetExpander(r).Expand(schema, space)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"win32_vs2017_release", "win32_vs2019_release",
		"win64_vs2017_release", "win64_vs2019_release",
	}, set.Strings())
}

func TestExpand_Exclusions(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")

	space := TargetSpace{Masks: []TargetMask{NewTargetMask()}}
	space.AddExcludedTargets(mustValue(t, r, "platform", "linux"), mustValue(t, r, "optimization", "debug"))

	set, err := NewTargetExpander(r).Expand(schema, space)
	require.NoError(t, err)
	assert.Equal(t, 8, set.Len())

	linuxDebug, err := schema.NewTarget(mustValue(t, r, "platform", "linux"), mustValue(t, r, "optimization", "debug"))
	require.NoError(t, err)
	assert.False(t, set.Contains(linuxDebug))

	linuxRelease, err := schema.NewTarget(mustValue(t, r, "platform", "linux"), mustValue(t, r, "optimization", "release"))
	require.NoError(t, err)
	assert.True(t, set.Contains(linuxRelease))
}

func TestExpand_FragmentMaskRestrictsValues(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")

	space := TargetSpace{Masks: []TargetMask{NewTargetMask()}}
	space.AddFragmentMask(mustValue(t, r, "platform", "win64"))

	set, err := NewTargetExpander(r).Expand(schema, space)
	require.NoError(t, err)
	assert.Equal(t, []string{"win64_debug", "win64_release", "win64_retail"}, set.Strings())
}

func TestExpand_UnsetDimension(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "devenv")

	space := TargetSpace{}
	space.AddTargets(mustValue(t, r, "platform", "linux"), Unset("devenv"))

	set, err := NewTargetExpander(r).Expand(schema, space)
	require.NoError(t, err)
	assert.Equal(t, []string{"linux"}, set.Strings())
}

func TestExpand_DuplicateAcrossMasks(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")

	first := NewTargetMask(mustValue(t, r, "platform", "win64")).WithSource("a.cue:1")
	second := NewTargetMask(mustValue(t, r, "optimization", "release")).WithSource("b.cue:7")

	_, err := NewTargetExpander(r).Expand(schema, TargetSpace{Masks: []TargetMask{first, second}})
	require.Error(t, err)
	assert.True(t, IsDuplicateTarget(err))

	var dup *DuplicateTargetError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "win64_release", dup.Target)
	assert.Equal(t, "a.cue:1", dup.FirstSource)
	assert.Equal(t, "b.cue:7", dup.SecondSource)
	assert.Empty(t, dup.Differences)
	assert.True(t, dup.First.Equal(dup.Second))
}

func TestExpand_MasksSharingFixedValueStayDistinct(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")

	space := TargetSpace{Masks: []TargetMask{
		NewTargetMask(mustValue(t, r, "platform", "win64"), mustValue(t, r, "optimization", "debug")).WithSource("a.cue:1"),
		NewTargetMask(mustValue(t, r, "platform", "win64"), mustValue(t, r, "optimization", "release")).WithSource("a.cue:2"),
	}}

	set, err := NewTargetExpander(r).Expand(schema, space)
	require.NoError(t, err)
	assert.Equal(t, []string{"win64_debug", "win64_release"}, set.Strings())

	targets := set.Targets()
	require.Len(t, targets, 2)
	assert.False(t, targets[0].Equal(targets[1]))
	assert.Equal(t, "a.cue:1", set.Source(targets[0]))
	assert.Equal(t, "a.cue:2", set.Source(targets[1]))
}

func TestExpand_CanonicalStringCollision(t *testing.T) {
	r := NewFragmentRegistry()
	r.MustRegister(
		NewDimension("platform", Single("win64", 1), Single("linux", 2)),
		NewDimension("flavor", Single("win64", 1), Single("plain", 2)),
	)
	schema := mustSchema(t, r, "platform", "flavor")

	space := TargetSpace{Masks: []TargetMask{
		NewTargetMask(mustValue(t, r, "platform", "win64"), Unset("flavor")),
		NewTargetMask(Unset("platform"), mustValue(t, r, "flavor", "win64")),
	}}

	_, err := NewTargetExpander(r).Expand(schema, space)
	require.Error(t, err)

	var dup *DuplicateTargetError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "win64", dup.Target)
	assert.Equal(t, []string{"platform", "flavor"}, dup.Differences)
	assert.Contains(t, err.Error(), "difference is: platform, flavor")
}

func TestExpand_DeterministicRegardlessOfMaskOrder(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")
	x := NewTargetMask(mustValue(t, r, "platform", "win32"))
	y := NewTargetMask(mustValue(t, r, "platform", "linux"), mustValue(t, r, "optimization", "retail"))

	e := NewTargetExpander(r)
	a, err := e.Expand(schema, TargetSpace{Masks: []TargetMask{x, y}})
	require.NoError(t, err)
	b, err := e.Expand(schema, TargetSpace{Masks: []TargetMask{y, x}})
	require.NoError(t, err)
	c, err := e.Expand(schema, TargetSpace{Masks: []TargetMask{x, y}})
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Strings(), c.Strings())
	assert.Equal(t, 4, a.Len())
}

func TestExpand_Errors(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")
	e := NewTargetExpander(r)

	set, err := e.Expand(schema, TargetSpace{})
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())

	_, err = e.Expand(schema, TargetSpace{Masks: []TargetMask{NewTargetMask(mustValue(t, r, "optimization", "debug"))}})
	assert.True(t, IsSchemaError(err))

	_, err = e.Expand(nil, TargetSpace{})
	assert.True(t, IsSchemaError(err))

	other := NewFragmentRegistry()
	other.MustRegister(NewDimension("platform", Single("win64", 1)))
	_, err = NewTargetExpander(other).Expand(schema, TargetSpace{})
	assert.True(t, IsSchemaError(err))
}
