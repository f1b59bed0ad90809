package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, startedAt time.Time) *Run {
	t.Helper()

	run := &Run{
		ID:        uuid.New().String(),
		Workspace: "demo",
		Status:    engine.RunStatusRunning,
		StartedAt: startedAt,
		Metadata:  `{"sources":["**/*.cue"]}`,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"runs", "entity_results", "configurations", "dependencies", "violations"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	run := createTestRun(t, store, time.Now())
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, _ := NewSQLiteStore(Config{Path: path})
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate reopened store: %v", err)
	}

	if _, err := reopened.GetRun(ctx, run.ID); err != nil {
		t.Errorf("expected run to persist: %v", err)
	}
}

// TestRunLifecycle tests run creation, completion, listing and deletion
func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	older := createTestRun(t, store, now.Add(-time.Hour))
	run := createTestRun(t, store, now)

	// Read
	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Workspace != "demo" {
		t.Errorf("expected workspace demo, got %s", retrieved.Workspace)
	}
	if retrieved.Status != engine.RunStatusRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if retrieved.OrderPolicy != "declaration" {
		t.Errorf("expected default order policy, got %s", retrieved.OrderPolicy)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be nil")
	}

	// Complete
	result := &engine.BatchResult{
		ID:          run.ID,
		Status:      engine.RunStatusPartial,
		Summary:     engine.RunSummary{Total: 3, Succeeded: 2, Failed: 1},
		CompletedAt: now.Add(time.Second),
	}
	errMsg := "core: rule failed"
	if err := store.CompleteRun(ctx, run.ID, result, &errMsg); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	completed, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get completed run: %v", err)
	}
	if completed.Status != engine.RunStatusPartial {
		t.Errorf("expected status partial, got %s", completed.Status)
	}
	if completed.Summary != result.Summary {
		t.Errorf("expected summary %+v, got %+v", result.Summary, completed.Summary)
	}
	if completed.Error == nil || *completed.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, completed.Error)
	}
	if completed.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// Latest and list
	latest, err := store.LatestRun(ctx)
	if err != nil {
		t.Fatalf("failed to get latest run: %v", err)
	}
	if latest.ID != run.ID {
		t.Errorf("expected latest run %s, got %s", run.ID, latest.ID)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != run.ID || runs[1].ID != older.ID {
		t.Errorf("expected runs newest first, got %d runs", len(runs))
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list runs page: %v", err)
	}
	if len(page) != 1 || page[0].ID != older.ID {
		t.Error("expected second page to hold the older run")
	}

	// Delete
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := store.CompleteRun(ctx, run.ID, result, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound completing a deleted run, got %v", err)
	}
}

func TestLatestRun_Empty(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	if _, err := store.LatestRun(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEntityResults(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, time.Now())

	class := string(engine.ErrorClassRuleInvocation)
	msg := "rule Library.Windows failed"
	results := []*EntityResult{
		{RunID: run.ID, Entity: "zlib", EntityType: "Library", Status: engine.RunStatusSucceeded, Configurations: 4},
		{RunID: run.ID, Entity: "core", EntityType: "Library", Status: engine.RunStatusFailed, ErrorClass: &class, Error: &msg},
	}
	if err := store.SaveEntityResults(ctx, results); err != nil {
		t.Fatalf("failed to save entity results: %v", err)
	}

	// Saving again replaces the previous outcome
	results[1].Status = engine.RunStatusSkipped
	results[1].ErrorClass = nil
	results[1].Error = nil
	if err := store.SaveEntityResults(ctx, results[1:]); err != nil {
		t.Fatalf("failed to update entity result: %v", err)
	}

	listed, err := store.ListEntityResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list entity results: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 results, got %d", len(listed))
	}
	if listed[0].Entity != "core" || listed[0].Status != engine.RunStatusSkipped || listed[0].Error != nil {
		t.Errorf("unexpected core result: %+v", listed[0])
	}
	if listed[1].Entity != "zlib" || listed[1].Configurations != 4 {
		t.Errorf("unexpected zlib result: %+v", listed[1])
	}
}

func TestConfigurations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, time.Now())

	snapshots := []engine.Snapshot{
		{
			Entity:     "core",
			Target:     "win64_debug",
			Fragments:  map[string]string{"platform": "win64", "optimization": "debug"},
			Properties: map[string]interface{}{"defines": []string{"BASE", "_DEBUG"}},
			Dependencies: []engine.Dependency{
				{Entity: "zlib", Type: engine.DependencyPublic, Settings: engine.DependencyDefault},
			},
		},
		{
			Entity:     "core",
			Target:     "win64_release",
			Fragments:  map[string]string{"platform": "win64", "optimization": "release"},
			Properties: map[string]interface{}{"defines": []string{"BASE"}},
		},
		{
			Entity:     "zlib",
			Target:     "win64_debug",
			Fragments:  map[string]string{"platform": "win64", "optimization": "debug"},
			Properties: map[string]interface{}{},
		},
	}

	if err := store.SaveConfigurations(ctx, run.ID, snapshots); err != nil {
		t.Fatalf("failed to save configurations: %v", err)
	}

	tests := []struct {
		name   string
		filter ConfigurationFilter
		want   int
	}{
		{"all in run", ConfigurationFilter{RunID: run.ID}, 3},
		{"by entity", ConfigurationFilter{RunID: run.ID, Entity: "core"}, 2},
		{"by target", ConfigurationFilter{Target: "win64_debug"}, 2},
		{"entity and target", ConfigurationFilter{Entity: "core", Target: "win64_release"}, 1},
		{"limited", ConfigurationFilter{RunID: run.ID, Limit: 1}, 1},
		{"offset", ConfigurationFilter{RunID: run.ID, Limit: 10, Offset: 2}, 1},
		{"unknown run", ConfigurationFilter{RunID: "missing"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.ListConfigurations(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list configurations: %v", err)
			}
			if len(records) != tt.want {
				t.Errorf("expected %d records, got %d", tt.want, len(records))
			}
		})
	}

	records, _ := store.ListConfigurations(ctx, ConfigurationFilter{Entity: "core", Target: "win64_debug"})
	var props map[string][]string
	if err := json.Unmarshal([]byte(records[0].Properties), &props); err != nil {
		t.Fatalf("failed to decode properties: %v", err)
	}
	if len(props["defines"]) != 2 || props["defines"][1] != "_DEBUG" {
		t.Errorf("unexpected properties: %v", props)
	}

	deps, err := store.ListDependencies(ctx, run.ID, "core")
	if err != nil {
		t.Fatalf("failed to list dependencies: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected 1 dependency, got %d", len(deps))
	}
	if deps[0].DependsOn != "zlib" || deps[0].Type != "public" || deps[0].Settings != "default" {
		t.Errorf("unexpected dependency: %+v", deps[0])
	}

	// A configuration is stored once per run
	if err := store.SaveConfigurations(ctx, run.ID, snapshots[:1]); err == nil {
		t.Error("expected duplicate configuration to be rejected")
	}
	all, _ := store.ListConfigurations(ctx, ConfigurationFilter{RunID: run.ID})
	if len(all) != 3 {
		t.Errorf("expected failed save to roll back, got %d records", len(all))
	}

	// Deleting the run cascades
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	all, _ = store.ListConfigurations(ctx, ConfigurationFilter{RunID: run.ID})
	if len(all) != 0 {
		t.Errorf("expected cascade delete, got %d records", len(all))
	}
}

func TestConfigurations_UnknownRun(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.SaveConfigurations(context.Background(), "missing", []engine.Snapshot{{Entity: "core", Target: "win64"}})
	if err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestViolations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, time.Now())

	violations := []*Violation{
		{RunID: run.ID, Policy: "defines", Rule: "deny", Severity: "error", Entity: "core", Target: "win64_debug", Message: "DEBUG define in release"},
		{RunID: run.ID, Policy: "naming", Rule: "warn", Severity: "warning", Entity: "zlib", Target: "linux_release", Message: "output name is not lowercase"},
	}
	if err := store.SaveViolations(ctx, violations); err != nil {
		t.Fatalf("failed to save violations: %v", err)
	}
	if violations[0].ID == 0 || violations[1].ID <= violations[0].ID {
		t.Errorf("expected increasing IDs, got %d and %d", violations[0].ID, violations[1].ID)
	}

	listed, err := store.ListViolations(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list violations: %v", err)
	}
	if len(listed) != 2 || listed[0].Policy != "defines" || listed[1].Severity != "warning" {
		t.Errorf("unexpected violations: %+v", listed)
	}
}

func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, workspace, status, started_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"tx-run", "demo", "running", now, now, now,
	); err != nil {
		t.Fatalf("failed to insert in transaction: %v", err)
	}
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	if _, err := store.GetRun(ctx, "tx-run"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rolled back run to be absent, got %v", err)
	}
}
