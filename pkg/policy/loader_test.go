package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyNothing = "package %s\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"

func regoFor(pkg string) string {
	return strings.Replace(denyNothing, "%s", pkg, 1)
}

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := newTestLoader()

	policyFile := filepath.Join(t.TempDir(), "output-dir.rego")
	regoContent := `# Output directories must live under bin/.
# severity: critical
# tags: layout, output
package custom.outputdir

deny contains "bad output dir" if {
	not startswith(input.configuration.output_dir, "bin/")
}`

	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "output-dir" {
		t.Errorf("Expected name 'output-dir', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", policy.Severity)
	}
	if strings.Join(policy.Tags, ",") != "layout,output" {
		t.Errorf("Unexpected tags: %v", policy.Tags)
	}
	if policy.Description != "Output directories must live under bin/." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata, got %v", policy.Metadata)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := newTestLoader()

	policyFile := filepath.Join(t.TempDir(), "defines.json")
	data, err := json.Marshal(Policy{
		Name:        "defines",
		Description: "Defines must be uppercase",
		Rego:        regoFor("custom.defines"),
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	if err := os.WriteFile(policyFile, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "defines" {
		t.Errorf("Expected name 'defines', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policy.Severity)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("CreatedAt should default to now")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := newTestLoader()
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "team", "core")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	files := map[string]string{
		filepath.Join(tmpDir, "a.rego"):      regoFor("a"),
		filepath.Join(nested, "b.rego"):      regoFor("b"),
		filepath.Join(tmpDir, "README.md"):   "# not a policy",
		filepath.Join(nested, "broken.json"): "{",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	policies, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	// broken.json is skipped with a warning, README.md is ignored.
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := newTestLoader()
	tmpDir := t.TempDir()

	dir := filepath.Join(tmpDir, "dir")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "p1.rego"), []byte(regoFor("p1")), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	file := filepath.Join(tmpDir, "p2.rego")
	if err := os.WriteFile(file, []byte(regoFor("p2")), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir, file})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{dir, "/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadBundle(t *testing.T) {
	loader := newTestLoader()
	bundleFile := filepath.Join(t.TempDir(), "bundle.json")

	bundle := Bundle{
		Name:        "team",
		Version:     "1.0.0",
		Description: "Team policies",
		Policies: []Policy{
			{Name: "p1", Rego: regoFor("p1"), Severity: SeverityError, Enabled: true},
			{Name: "p2", Rego: regoFor("p2"), Enabled: true},
		},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	if err := os.WriteFile(bundleFile, data, 0644); err != nil {
		t.Fatalf("Failed to write bundle file: %v", err)
	}

	loaded, err := loader.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if loaded.Name != "team" || loaded.Version != "1.0.0" {
		t.Errorf("Unexpected bundle header: %s %s", loaded.Name, loaded.Version)
	}
	if len(loaded.Policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(loaded.Policies))
	}
	if loaded.Policies[1].Severity != SeverityWarning {
		t.Errorf("Expected default severity, got %s", loaded.Policies[1].Severity)
	}
	if loaded.Policies[0].Metadata["bundle"] != "team" {
		t.Errorf("Expected bundle metadata, got %v", loaded.Policies[0].Metadata)
	}

	unnamed := filepath.Join(t.TempDir(), "unnamed.json")
	if err := os.WriteFile(unnamed, []byte(`{"policies": []}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadBundle(context.Background(), unnamed); err == nil {
		t.Error("Expected error for bundle without name")
	}
}

func TestExtractHeader(t *testing.T) {
	loader := newTestLoader()

	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
		tags        string
	}{
		{
			name:        "single line comment",
			content:     "# Release checks\npackage test",
			description: "Release checks",
			severity:    SeverityWarning,
		},
		{
			name:        "multi line comments",
			content:     "# Release checks\n# for every target\npackage test",
			description: "Release checks for every target",
			severity:    SeverityWarning,
		},
		{
			name:     "no comments",
			content:  "package test\n\n# trailing comment",
			severity: SeverityWarning,
		},
		{
			name:        "directives",
			content:     "# Naming\n#\n# severity: info\n# tags: naming, , style\npackage test",
			description: "Naming",
			severity:    SeverityInfo,
			tags:        "naming,style",
		},
		{
			name:     "unknown severity",
			content:  "# severity: fatal\npackage test",
			severity: SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, severity, tags := loader.extractHeader(tt.content)
			if description != tt.description {
				t.Errorf("Expected description '%s', got '%s'", tt.description, description)
			}
			if severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, severity)
			}
			if strings.Join(tags, ",") != tt.tags {
				t.Errorf("Expected tags %q, got %v", tt.tags, tags)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := newTestLoader()

	policyFile := filepath.Join(t.TempDir(), "test.rego")
	if err := os.WriteFile(policyFile, []byte(regoFor("test")), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()

	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := newTestLoader()
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported type", "test.txt", "not a policy"},
		{"invalid json", "test.json", "invalid json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write test file: %v", err)
			}
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := loader.loadFromPath(context.Background(), "/nonexistent/path"); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.rego")
	if err := os.WriteFile(path, []byte(regoFor("watched")), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	updated := "# Updated\n" + regoFor("watched")
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case policies := <-reloaded:
		if len(policies) != 1 || policies[0].Description != "Updated" {
			t.Errorf("Expected reloaded policy, got %+v", policies)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
