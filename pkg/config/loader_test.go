package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fragmentsCUE = `
fragments: {
	platform: members: [
		{name: "win32", bits: 1},
		{name: "win64", bits: 2},
		{name: "linux", bits: 4},
		{name: "windows", bits: 3, composite: true},
	]
	optimization: members: [
		{name: "debug", bits: 1},
		{name: "release", bits: 2},
	]
}

schemas: default: ["platform", "optimization"]
`

const typesCUE = `
types: {
	Project: {
		identity: ["guid"]
		rules: [{
			name:   "Defaults"
			script: "def configure(conf, target, entity):\n    conf.set(\"defines\", [\"BASE\"])\n"
		}]
	}
	Library: {
		parent: "Project"
		rules: [{
			name:     "Windows"
			priority: 1
			filter: ["platform.windows"]
			script: "def configure(conf, target, entity):\n    conf.append(\"defines\", \"_WINDOWS\")\n"
		}]
	}
}
`

const entitiesCUE = `
entities: {
	core: {
		type:   "Library"
		schema: "default"
		targets: [
			{platform: "win32|win64", optimization: "*"},
			{platform: "linux", optimization: "release"},
		]
		exclude: [{platform: "win32", optimization: "debug"}]
		identity: guid: "8f14e45f"
	}
}
`

func TestLoader_LoadInline(t *testing.T) {
	loader := NewLoader()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Description)
	}{
		{
			name:    "complete description",
			content: fragmentsCUE + typesCUE + entitiesCUE,
			checkFunc: func(t *testing.T, d *Description) {
				if len(d.Fragments) != 2 {
					t.Errorf("expected 2 fragments, got %d", len(d.Fragments))
				}
				if got := len(d.Fragments["platform"].Members); got != 4 {
					t.Errorf("expected 4 platform members, got %d", got)
				}
				if !d.Fragments["platform"].Members[3].Composite {
					t.Error("expected windows to be composite")
				}
				if got := d.Schemas["default"]; len(got) != 2 || got[0] != "platform" {
					t.Errorf("unexpected schema: %v", got)
				}
				lib := d.Types["Library"]
				if lib.Parent != "Project" {
					t.Errorf("expected parent Project, got %q", lib.Parent)
				}
				if lib.Rules[0].Priority == nil || *lib.Rules[0].Priority != 1 {
					t.Error("expected priority 1 on Library.Windows")
				}
				if d.Types["Project"].Rules[0].Priority != nil {
					t.Error("expected omitted priority to stay nil")
				}
				core := d.Entities["core"]
				if len(core.Targets) != 2 || core.Targets[0]["optimization"] != "*" {
					t.Errorf("unexpected targets: %v", core.Targets)
				}
				if len(core.TargetSources) != 2 {
					t.Errorf("expected a source per target mask, got %v", core.TargetSources)
				}
				if core.Identity["guid"] != "8f14e45f" {
					t.Errorf("unexpected identity: %v", core.Identity)
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
fragments: {
	platform: invalid syntax here
}
`,
			wantErr: true,
		},
		{
			name: "entity missing type",
			content: fragmentsCUE + `
entities: core: schema: "default"
`,
			wantErr: true,
			checkFunc: func(t *testing.T, d *Description) {
				if d.Errors[0].Path != "entities.core" {
					t.Errorf("expected error path entities.core, got %q", d.Errors[0].Path)
				}
			},
		},
		{
			name: "zero bit member",
			content: `
fragments: platform: members: [{name: "win64", bits: 0}]
`,
			wantErr: true,
		},
		{
			name: "empty schema",
			content: `
schemas: default: []
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := loader.LoadInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantErr != desc.HasErrors() {
				t.Fatalf("HasErrors() = %v, want %v (errors: %v)", desc.HasErrors(), tt.wantErr, desc.Errors)
			}

			if tt.checkFunc != nil {
				tt.checkFunc(t, desc)
			}
		})
	}
}

func TestLoader_LoadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "fragments.cue"), fragmentsCUE)
	writeFile(t, filepath.Join(dir, "types", "types.cue"), typesCUE)
	writeFile(t, filepath.Join(dir, "entities.cue"), entitiesCUE)
	writeFile(t, filepath.Join(dir, "README.md"), "not a description")

	loader := NewLoader()
	desc, err := loader.Load(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if desc.HasErrors() {
		t.Fatalf("unexpected errors: %v", desc.Errors)
	}

	if len(desc.SourceFiles) != 3 {
		t.Errorf("expected 3 source files, got %v", desc.SourceFiles)
	}
	if len(desc.Types) != 2 || len(desc.Entities) != 1 {
		t.Errorf("expected sections from all files, got %d types and %d entities", len(desc.Types), len(desc.Entities))
	}

	sources := desc.Entities["core"].TargetSources
	if len(sources) != 2 || !strings.HasPrefix(sources[0], "entities.cue:") {
		t.Errorf("expected file:line sources, got %v", sources)
	}
}

func TestLoader_LoadConflict(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.cue"), `schemas: default: ["platform"]`)
	writeFile(t, filepath.Join(dir, "b.cue"), `schemas: default: ["optimization"]`)

	desc, err := NewLoader().Load(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !desc.HasErrors() {
		t.Fatal("expected conflicting values to be reported")
	}
}

func TestLoader_LoadErrors(t *testing.T) {
	loader := NewLoader()
	ctx := context.Background()

	if _, err := loader.Load(ctx, nil); err == nil {
		t.Error("expected error for no sources")
	}

	if _, err := loader.Load(ctx, []string{filepath.Join(t.TempDir(), "missing.cue")}); err == nil {
		t.Error("expected error for missing source")
	}

	desc, err := loader.Load(ctx, []string{t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !desc.HasErrors() {
		t.Error("expected an error for a directory without description files")
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.cue")
	writeFile(t, bad, "fragments: {\n")
	desc, err = loader.Load(ctx, []string{bad})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !desc.HasErrors() {
		t.Fatal("expected a parse error")
	}
	if desc.Errors[0].File != bad || desc.Errors[0].Line == 0 {
		t.Errorf("expected error located in %s, got %+v", bad, desc.Errors[0])
	}
}

func TestLoader_Discover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.cue"), "")
	writeFile(t, filepath.Join(dir, "sub", "b.cue"), "")
	writeFile(t, filepath.Join(dir, "sub", "deep", "c.cue"), "")
	writeFile(t, filepath.Join(dir, "sub", "notes.txt"), "")

	loader := NewLoader()

	tests := []struct {
		name     string
		patterns []string
		want     []string
		wantErr  bool
	}{
		{
			name: "default patterns",
			want: []string{"a.cue", "sub/b.cue", "sub/deep/c.cue"},
		},
		{
			name:     "top level only",
			patterns: []string{"*.cue"},
			want:     []string{"a.cue"},
		},
		{
			name:     "overlapping patterns are deduplicated",
			patterns: []string{"sub/**/*.cue", "**/b.cue"},
			want:     []string{"sub/b.cue", "sub/deep/c.cue"},
		},
		{
			name:     "invalid pattern",
			patterns: []string{"[a-"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := loader.Discover(dir, tt.patterns)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Discover() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(files) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, files)
			}
			for i, want := range tt.want {
				if files[i] != filepath.Join(dir, filepath.FromSlash(want)) {
					t.Errorf("files[%d] = %s, want %s", i, files[i], want)
				}
			}
		})
	}
}

func TestExportJSON(t *testing.T) {
	desc, err := NewLoader().LoadInline(context.Background(), fragmentsCUE)
	if err != nil {
		t.Fatalf("LoadInline failed: %v", err)
	}

	data, err := ExportJSON(desc)
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}
	if !strings.Contains(string(data), `"platform"`) {
		t.Errorf("expected platform in export, got %s", data)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
