package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	mu          sync.Mutex
	resolutions map[string]int
	invoked     int
	skipped     int
	errors      map[string]int
	cache       int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{resolutions: make(map[string]int), errors: make(map[string]int)}
}

func (m *fakeMetrics) RecordResolution(_, status string, _ time.Duration, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions[status]++
}

func (m *fakeMetrics) RecordRules(_ string, invoked, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoked += invoked
	m.skipped += skipped
}

func (m *fakeMetrics) RecordError(class string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[class]++
}

func (m *fakeMetrics) SetRuleCacheEntries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = n
}

func TestResolve_ProducesFrozenConfigurations(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")
	types := newTestTypes()
	_, _, leaf := defineHierarchy(t, types)

	entity := newTestEntity(t, "core", leaf, schema, NewTargetMask(
		mustValue(t, r, "platform", "win32"),
		mustValue(t, r, "platform", "win64"),
		mustValue(t, r, "optimization", "debug"),
		mustValue(t, r, "optimization", "release"),
	))

	metrics := newFakeMetrics()
	e := NewResolutionEngine(r, WithMetrics(metrics))
	require.NoError(t, e.Resolve(context.Background(), entity))

	configs := entity.Configurations()
	require.Len(t, configs, 4)
	assert.Equal(t, []string{"win32_debug", "win32_release", "win64_debug", "win64_release"}, entity.TargetStrings())

	for _, conf := range configs {
		assert.True(t, conf.Frozen())
		assert.Equal(t, "core", conf.Entity())
		assert.Equal(t, []string{"leaf.D", "mid.A", "mid.C", "leaf.B"}, conf.Strings("trace"))

		err := conf.Set("late", true)
		assert.ErrorIs(t, err, ErrConfigurationFrozen)
	}

	assert.False(t, entity.Resolving())
	assert.Equal(t, 1, metrics.resolutions["succeeded"])
	assert.Equal(t, 16, metrics.invoked)
	assert.Equal(t, 1, metrics.cache)
}

func TestResolve_FiltersRulesPerTarget(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "devenv")
	types := newTestTypes()

	typ := types.MustDefine(TypeSpec{
		Name: "project",
		Rules: []RuleDecl{
			Configure("Defaults", func(_ *Configurable, conf *Configuration, target Target) error {
				return conf.Set("toolset", target.Get("devenv"))
			}),
			Configure("VisualStudio", func(_ *Configurable, conf *Configuration, _ Target) error {
				return conf.Set("solution", true)
			}, WithFilter(mustValue(t, r, "devenv", "visual_studio"))),
		},
	})

	entity := newTestEntity(t, "app", typ, schema, NewTargetMask(mustValue(t, r, "platform", "win64")))
	require.NoError(t, NewResolutionEngine(r).Resolve(context.Background(), entity))

	for _, name := range []string{"win64_vs2017", "win64_vs2019"} {
		conf, ok := entity.Configuration(name)
		require.True(t, ok, name)
		assert.True(t, conf.Bool("solution"), name)
	}

	conf, ok := entity.Configuration("win64_make")
	require.True(t, ok)
	assert.False(t, conf.Bool("solution"))
	assert.Equal(t, "make", conf.String("toolset"))
}

func TestResolve_RuleErrorAbortsAndKeepsPreviousResult(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")
	types := newTestTypes()

	boom := errors.New("boom")
	fail := false
	typ := types.MustDefine(TypeSpec{
		Name: "project",
		Rules: []RuleDecl{
			Configure("Setup", func(_ *Configurable, conf *Configuration, target Target) error {
				if fail && target.Get("platform") == "win64" {
					return boom
				}
				return conf.Set("ok", true)
			}),
		},
	})

	entity := newTestEntity(t, "core", typ, schema, NewTargetMask())
	metrics := newFakeMetrics()
	e := NewResolutionEngine(r, WithMetrics(metrics))
	require.NoError(t, e.Resolve(context.Background(), entity))
	previous := entity.Configurations()
	require.Len(t, previous, 3)

	fail = true
	err := e.Resolve(context.Background(), entity)
	require.Error(t, err)
	assert.True(t, IsRuleInvocation(err))
	assert.ErrorIs(t, err, boom)

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, "core", engineErr.Entity)
	assert.Equal(t, "win64", engineErr.Target)
	assert.Equal(t, "project.Setup", engineErr.Rule)
	assert.Equal(t, "project", engineErr.Details["entity_type"])

	assert.Equal(t, previous, entity.Configurations(), "failed resolution must not publish")
	assert.False(t, entity.Resolving(), "lock is released on failure")
	assert.Equal(t, 1, metrics.errors[string(ErrorClassRuleInvocation)])
}

func TestResolve_PanicBecomesRuleInvocationError(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")
	typ := newTestTypes().MustDefine(TypeSpec{
		Name: "project",
		Rules: []RuleDecl{
			Configure("Explode", func(*Configurable, *Configuration, Target) error {
				panic("unexpected")
			}),
		},
	})

	entity := newTestEntity(t, "core", typ, schema, NewTargetMask(mustValue(t, r, "platform", "linux")))
	err := NewResolutionEngine(r).Resolve(context.Background(), entity)
	require.Error(t, err)
	assert.True(t, IsRuleInvocation(err))
	assert.Contains(t, err.Error(), "panic: unexpected")
	assert.False(t, entity.Resolving())
}

func TestResolve_IdentityLockedDuringResolution(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")

	var observed error
	typ := newTestTypes().MustDefine(TypeSpec{
		Name:     "project",
		Identity: []string{"guid"},
		Rules: []RuleDecl{
			Configure("Rename", func(entity *Configurable, _ *Configuration, _ Target) error {
				observed = entity.SetName("renamed")
				return nil
			}),
			Configure("Guid", func(entity *Configurable, _ *Configuration, _ Target) error {
				return entity.SetIdentity("guid", "1234")
			}),
		},
	})

	entity := newTestEntity(t, "core", typ, schema, NewTargetMask(mustValue(t, r, "platform", "linux")))
	err := NewResolutionEngine(r).Resolve(context.Background(), entity)

	require.Error(t, observed)
	assert.True(t, IsLockedMutation(observed))
	var lm *LockedMutationError
	require.True(t, errors.As(observed, &lm))
	assert.Equal(t, PropertyName, lm.Property)
	assert.Equal(t, "core", lm.Entity)
	assert.True(t, strings.Contains(lm.Site, "resolution_test.go:"), "site was %q", lm.Site)

	require.Error(t, err)
	assert.True(t, IsRuleInvocation(err))
	assert.True(t, IsLockedMutation(errors.Unwrap(err)))

	name, _ := entity.Identity(PropertyName)
	assert.Equal(t, "core", name)

	require.NoError(t, entity.SetName("renamed"))
	require.NoError(t, entity.SetIdentity("guid", "1234"))
	name, _ = entity.Identity(PropertyName)
	assert.Equal(t, "renamed", name)

	err = entity.SetIdentity("unknown", 1)
	assert.True(t, IsSchemaError(err))
}

func TestResolve_ReentryIsRefused(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")
	e := NewResolutionEngine(r)

	var inner error
	typ := newTestTypes().MustDefine(TypeSpec{
		Name: "project",
		Rules: []RuleDecl{
			Configure("Recurse", func(entity *Configurable, _ *Configuration, _ Target) error {
				inner = e.Resolve(context.Background(), entity)
				return nil
			}),
		},
	})

	entity := newTestEntity(t, "core", typ, schema, NewTargetMask(mustValue(t, r, "platform", "linux")))
	require.NoError(t, e.Resolve(context.Background(), entity))

	require.Error(t, inner)
	assert.Equal(t, ErrCodeResolutionInProgress, errorCode(t, inner))
	assert.True(t, IsInternal(inner))
	assert.False(t, IsLockedMutation(inner))
	assert.Len(t, entity.Configurations(), 1)
}

func TestResolve_DuplicateTargetRunsNoRules(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")

	ran := false
	typ := newTestTypes().MustDefine(TypeSpec{
		Name: "project",
		Rules: []RuleDecl{
			Configure("Mark", func(*Configurable, *Configuration, Target) error {
				ran = true
				return nil
			}),
		},
	})

	linux := mustValue(t, r, "platform", "linux")
	entity := newTestEntity(t, "core", typ, schema, NewTargetMask(linux), NewTargetMask(linux))

	err := NewResolutionEngine(r).Resolve(context.Background(), entity)
	require.Error(t, err)
	assert.True(t, IsDuplicateTarget(err))
	assert.False(t, ran)
	assert.Empty(t, entity.Configurations())
	assert.False(t, entity.Resolving())
}

func TestResolve_DependenciesAndSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")
	typ := newTestTypes().MustDefine(TypeSpec{
		Name: "project",
		Rules: []RuleDecl{
			Configure("Deps", func(_ *Configurable, conf *Configuration, _ Target) error {
				if err := conf.Append("defines", "NDEBUG"); err != nil {
					return err
				}
				return conf.AddDependency(Dependency{Entity: "zlib", Type: DependencyPublic, Settings: DependencyDefault})
			}),
		},
	})

	entity := newTestEntity(t, "core", typ, schema, NewTargetMask(mustValue(t, r, "platform", "win64")))
	require.NoError(t, NewResolutionEngine(r).Resolve(context.Background(), entity))

	conf, ok := entity.Configuration("win64")
	require.True(t, ok)

	snap := conf.Snapshot()
	assert.Equal(t, "core", snap.Entity)
	assert.Equal(t, "win64", snap.Target)
	assert.Equal(t, map[string]string{"platform": "win64"}, snap.Fragments)
	assert.Equal(t, []string{"NDEBUG"}, snap.Properties["defines"])
	require.Len(t, snap.Dependencies, 1)
	assert.Equal(t, DependencyPublic, snap.Dependencies[0].Type)

	assert.ErrorIs(t, conf.AddDependency(Dependency{Entity: "late"}), ErrConfigurationFrozen)
}

func TestResolve_SharedSliceDoesNotLeakBetweenEntities(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform")

	shared := make([]string, 1, 8)
	shared[0] = "BASE"
	typ := newTestTypes().MustDefine(TypeSpec{
		Name: "project",
		Rules: []RuleDecl{
			Configure("Defines", func(entity *Configurable, conf *Configuration, _ Target) error {
				if err := conf.Set("defines", shared); err != nil {
					return err
				}
				return conf.Append("defines", entity.Name()+"_X")
			}),
		},
	})

	linux := NewTargetMask(mustValue(t, r, "platform", "linux"))
	a := newTestEntity(t, "a", typ, schema, linux)
	b := newTestEntity(t, "b", typ, schema, linux)

	e := NewResolutionEngine(r)
	require.NoError(t, e.Resolve(context.Background(), a))
	require.NoError(t, e.Resolve(context.Background(), b))

	confA, ok := a.Configuration("linux")
	require.True(t, ok)
	confB, ok := b.Configuration("linux")
	require.True(t, ok)

	assert.Equal(t, []string{"BASE", "a_X"}, confA.Strings("defines"))
	assert.Equal(t, []string{"BASE", "b_X"}, confB.Strings("defines"))
	assert.Equal(t, []string{"BASE"}, shared)
}

func TestConfiguration_GetReturnsCopies(t *testing.T) {
	r := newTestRegistry(t)
	target, err := mustSchema(t, r, "platform").NewTarget(mustValue(t, r, "platform", "linux"))
	require.NoError(t, err)

	conf := newConfiguration("core", target)
	require.NoError(t, conf.Append("defines", "NDEBUG"))
	require.NoError(t, conf.Set("env", map[string]interface{}{"CC": "clang", "flags": []interface{}{"-O2"}}))
	conf.Freeze()

	v, ok := conf.Get("defines")
	require.True(t, ok)
	v.([]string)[0] = "TAMPERED"
	assert.Equal(t, []string{"NDEBUG"}, conf.Strings("defines"))

	v, ok = conf.Get("env")
	require.True(t, ok)
	env := v.(map[string]interface{})
	env["CC"] = "gcc"
	env["flags"].([]interface{})[0] = "-O0"

	v, _ = conf.Get("env")
	assert.Equal(t, map[string]interface{}{"CC": "clang", "flags": []interface{}{"-O2"}}, v)

	snap := conf.Snapshot()
	snap.Properties["defines"].([]string)[0] = "TAMPERED"
	assert.Equal(t, []string{"NDEBUG"}, conf.Strings("defines"))
}

func TestResolveAll_ConcurrentEntities(t *testing.T) {
	r := newTestRegistry(t)
	schema := mustSchema(t, r, "platform", "optimization")
	_, _, leaf := defineHierarchy(t, newTestTypes())

	entities := make([]*Configurable, 0, 8)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		entities = append(entities, newTestEntity(t, name, leaf, schema, NewTargetMask()))
	}

	e := NewResolutionEngine(r)
	result, err := e.ResolveAll(context.Background(), entities, ScheduleOptions{MaxParallel: 4})
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, result.Status)
	assert.Equal(t, 8, result.Summary.Succeeded)

	for _, c := range entities {
		assert.Len(t, c.Configurations(), 9)
	}
	assert.Equal(t, 1, e.Rules().CachedTypes())
}
