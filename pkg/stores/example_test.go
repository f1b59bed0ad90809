package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyomake/pkg/engine"
	"github.com/openfroyo/froyomake/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveConfigurations records a resolved batch.
func ExampleSQLiteStore_SaveConfigurations() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	registry := engine.NewFragmentRegistry()
	registry.MustRegister(engine.NewDimension("platform",
		engine.Single("win64", 1),
		engine.Single("linux", 2),
	))
	types := engine.NewTypeRegistry(zerolog.Nop())
	project := types.MustDefine(engine.TypeSpec{
		Name: "Project",
		Rules: []engine.RuleDecl{
			engine.Configure("Defaults", func(_ *engine.Configurable, conf *engine.Configuration, t engine.Target) error {
				return conf.Set("output_dir", "bin/"+t.String())
			}),
		},
	})
	schema, _ := engine.NewTargetSchema(registry, "platform")
	space := engine.TargetSpace{}
	space.AddTargets()
	core, _ := engine.NewConfigurable("core", project, schema, space)
	entities := []*engine.Configurable{core}

	result, err := engine.NewResolutionEngine(registry).ResolveAll(ctx, entities, engine.ScheduleOptions{})
	if err != nil {
		log.Fatal(err)
	}

	run := &stores.Run{ID: result.ID, Workspace: "demo", Status: engine.RunStatusRunning}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}
	if err := store.SaveConfigurations(ctx, run.ID, stores.Snapshots(entities)); err != nil {
		log.Fatal(err)
	}
	if err := store.SaveEntityResults(ctx, stores.EntityResults(run.ID, entities, result)); err != nil {
		log.Fatal(err)
	}
	if err := store.CompleteRun(ctx, run.ID, result, nil); err != nil {
		log.Fatal(err)
	}

	records, _ := store.ListConfigurations(ctx, stores.ConfigurationFilter{RunID: run.ID})
	for _, rec := range records {
		fmt.Println(rec.Entity, rec.Target, rec.Properties)
	}

	stored, _ := store.GetRun(ctx, run.ID)
	results, _ := store.ListEntityResults(ctx, run.ID)
	fmt.Println(stored.Status, results[0].Entity, results[0].Configurations)
	// Output:
	// core win64 {"output_dir":"bin/win64"}
	// core linux {"output_dir":"bin/linux"}
	// succeeded core 2
}
