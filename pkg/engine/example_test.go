package engine_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// Example_resolve shows a registry, a two-level type hierarchy and one
// entity resolved across platforms and optimization levels.
func Example_resolve() {
	registry := engine.NewFragmentRegistry()
	registry.MustRegister(
		engine.NewDimension("platform",
			engine.Single("win64", 1),
			engine.Single("linux", 2),
		),
		engine.NewDimension("optimization",
			engine.Single("debug", 1),
			engine.Single("release", 2),
		),
	)
	release, _ := registry.Value("optimization", "release")

	types := engine.NewTypeRegistry(zerolog.Nop())
	project := types.MustDefine(engine.TypeSpec{
		Name: "project",
		Rules: []engine.RuleDecl{
			engine.Configure("Defaults", func(_ *engine.Configurable, conf *engine.Configuration, t engine.Target) error {
				return conf.Set("output_dir", "bin/"+t.String())
			}),
			engine.Configure("Optimize", func(_ *engine.Configurable, conf *engine.Configuration, _ engine.Target) error {
				return conf.Append("defines", "NDEBUG")
			}, engine.WithFilter(release)),
		},
	})

	schema, _ := engine.NewTargetSchema(registry, "platform", "optimization")
	space := engine.TargetSpace{}
	space.AddTargets()

	core, _ := engine.NewConfigurable("core", project, schema, space)
	if err := engine.NewResolutionEngine(registry).Resolve(context.Background(), core); err != nil {
		fmt.Println(err)
		return
	}

	for _, conf := range core.Configurations() {
		fmt.Println(conf.Target(), conf.String("output_dir"), conf.Strings("defines"))
	}
	// Output:
	// win64_debug bin/win64_debug []
	// win64_release bin/win64_release [NDEBUG]
	// linux_debug bin/linux_debug []
	// linux_release bin/linux_release [NDEBUG]
}

// Example_duplicateTarget shows the error reported when two masks overlap.
func Example_duplicateTarget() {
	registry := engine.NewFragmentRegistry()
	registry.MustRegister(engine.NewDimension("platform",
		engine.Single("win64", 1),
		engine.Single("linux", 2),
	))
	schema, _ := engine.NewTargetSchema(registry, "platform")
	win64, _ := registry.Value("platform", "win64")

	space := engine.TargetSpace{Masks: []engine.TargetMask{
		engine.NewTargetMask(win64).WithSource("core.cue:3"),
		engine.NewTargetMask().WithSource("core.cue:4"),
	}}

	_, err := engine.NewTargetExpander(registry).Expand(schema, space)

	var dup *engine.DuplicateTargetError
	if errors.As(err, &dup) {
		fmt.Println(dup.Target, dup.FirstSource, dup.SecondSource)
	}
	fmt.Println(engine.IsDuplicateTarget(err))
	// Output:
	// win64 core.cue:3 core.cue:4
	// true
}
