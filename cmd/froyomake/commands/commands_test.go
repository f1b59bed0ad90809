package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/froyomake/pkg/config"
)

// runCLI executes the root command against dir and returns its stdout.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	opts := &globalOptions{version: "test", stderr: io.Discard}
	cmd := newRootCommand(opts, "none", "unknown")

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"-C", dir}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// initWorkspace creates the example workspace in a temporary directory.
func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := runCLI(t, dir, "init", "--name", "demo")
	require.NoError(t, err)
	return dir
}

func decode(t *testing.T, out string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), "output: %s", out)
}

type snapshotOut struct {
	Entity       string                 `json:"entity"`
	Target       string                 `json:"target"`
	Properties   map[string]interface{} `json:"properties"`
	Dependencies []struct {
		Entity   string `json:"entity"`
		Type     string `json:"type"`
		Settings string `json:"settings"`
	} `json:"dependencies"`
}

type resolveOut struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Summary struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
	} `json:"summary"`
	Entities []struct {
		Entity         string        `json:"entity"`
		Status         string        `json:"status"`
		Configurations []snapshotOut `json:"configurations"`
	} `json:"entities"`
	Policy *struct {
		Allowed bool `json:"allowed"`
	} `json:"policy"`
	Violations []struct {
		Policy   string `json:"policy"`
		Severity string `json:"severity"`
		Entity   string `json:"entity"`
	} `json:"violations"`
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 2, ExitCode(&exitError{code: 2, err: errors.New("failed")}))
	assert.Equal(t, 2, ExitCode(errors.Join(errors.New("ctx"), &exitError{code: 2, err: errors.New("failed")})))
}

func TestInit(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "init", "--name", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Created froyomake.yaml")
	assert.Contains(t, out, "✓ Created workspace.cue")
	assert.Contains(t, out, "✓ Created policies/output.rego")
	assert.Contains(t, out, "✓ Initialized database .froyomake/state.db")

	settings, err := config.LoadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", settings.Name)
	assert.Equal(t, []string{"policies"}, settings.Policies)
	assert.FileExists(t, filepath.Join(dir, ".froyomake", "state.db"))

	_, err = runCLI(t, dir, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out, err = runCLI(t, dir, "init", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Created workspace.cue")
}

func TestInit_NoExample(t *testing.T) {
	dir := t.TempDir()

	_, err := runCLI(t, dir, "init", "--no-example")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "workspace.cue"))

	settings, err := config.LoadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), settings.Name)
	assert.Empty(t, settings.Policies)
}

func TestNotAWorkspace(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a froyomake workspace")
	assert.Equal(t, 1, ExitCode(err))
}

func TestValidate(t *testing.T) {
	dir := initWorkspace(t)

	out, err := runCLI(t, dir, "validate", "-o", "json")
	require.NoError(t, err)

	var report validationReport
	decode(t, out, &report)
	assert.True(t, report.Valid)
	assert.Equal(t, "demo", report.Workspace)
	assert.Equal(t, 1, report.Files)
	assert.Equal(t, 2, report.Dimensions)
	assert.Equal(t, 3, report.Types)
	assert.Equal(t, 2, report.Entities)
	assert.Equal(t, 8, report.Targets)
	assert.Equal(t, 5, report.Policies)
	assert.Empty(t, report.Errors)
}

func TestValidate_InvalidDescription(t *testing.T) {
	dir := initWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.cue"), []byte("entities: lib: {type: 1}\n"), 0o644))

	out, err := runCLI(t, dir, "validate", "-o", "json")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))

	var report validationReport
	decode(t, out, &report)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestTargets(t *testing.T) {
	dir := initWorkspace(t)

	out, err := runCLI(t, dir, "targets", "-o", "json")
	require.NoError(t, err)

	var targets []entityTargets
	decode(t, out, &targets)
	require.Len(t, targets, 2)
	assert.Equal(t, "app", targets[0].Entity)
	assert.Equal(t, "Program", targets[0].Type)
	assert.Equal(t, "core", targets[1].Entity)

	for _, et := range targets {
		names := make([]string, 0, len(et.Targets))
		for _, tgt := range et.Targets {
			names = append(names, tgt.Name)
		}
		assert.ElementsMatch(t, []string{"win64_debug", "win64_release", "linux_debug", "linux_release"}, names)
	}

	out, err = runCLI(t, dir, "targets", "core", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "ENTITY")
	assert.Contains(t, out, "linux_release")
	assert.NotContains(t, out, "app")

	_, err = runCLI(t, dir, "targets", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity")
}

func TestRules(t *testing.T) {
	dir := initWorkspace(t)

	out, err := runCLI(t, dir, "rules", "Program", "-o", "json")
	require.NoError(t, err)

	var rules []typeRules
	decode(t, out, &rules)
	require.Len(t, rules, 1)
	assert.Equal(t, "Program", rules[0].Type)
	require.Len(t, rules[0].Rules, 2)
	assert.Equal(t, "Project.Defaults", rules[0].Rules[0].Rule)
	assert.Equal(t, 0, rules[0].Rules[0].Priority)
	assert.Equal(t, "Program.Link", rules[0].Rules[1].Rule)
	assert.Equal(t, 1, rules[0].Rules[1].Priority)

	_, err = runCLI(t, dir, "rules", "Missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestResolve_RecordsRun(t *testing.T) {
	dir := initWorkspace(t)

	out, err := runCLI(t, dir, "resolve", "-o", "json")
	require.NoError(t, err)

	var report resolveOut
	decode(t, out, &report)
	assert.Equal(t, "succeeded", report.Status)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Succeeded)
	require.NotNil(t, report.Policy)
	assert.True(t, report.Policy.Allowed)
	assert.Empty(t, report.Violations)

	require.Len(t, report.Entities, 2)
	app := report.Entities[0]
	assert.Equal(t, "app", app.Entity)
	require.Len(t, app.Configurations, 4)
	for _, conf := range app.Configurations {
		assert.Equal(t, "bin/"+conf.Target, conf.Properties["output_dir"])
		require.Len(t, conf.Dependencies, 1)
		assert.Equal(t, "core", conf.Dependencies[0].Entity)
		assert.Equal(t, "private", conf.Dependencies[0].Type)
	}

	out, err = runCLI(t, dir, "runs", "list", "-o", "json")
	require.NoError(t, err)
	var runs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, out, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, "succeeded", runs[0].Status)

	out, err = runCLI(t, dir, "runs", "show", "latest", "-o", "json")
	require.NoError(t, err)
	var detail struct {
		Run struct {
			ID string `json:"id"`
		} `json:"run"`
		Entities       []json.RawMessage `json:"entities"`
		Configurations []json.RawMessage `json:"configurations"`
		Violations     []json.RawMessage `json:"violations"`
	}
	decode(t, out, &detail)
	assert.Equal(t, report.RunID, detail.Run.ID)
	assert.Len(t, detail.Entities, 2)
	assert.Len(t, detail.Configurations, 8)
	assert.Empty(t, detail.Violations)

	out, err = runCLI(t, dir, "runs", "delete", report.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted run "+report.RunID)

	_, err = runCLI(t, dir, "runs", "show", report.RunID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolve_SelectedEntityWithoutStore(t *testing.T) {
	dir := initWorkspace(t)

	out, err := runCLI(t, dir, "resolve", "core", "--no-store", "--skip-policies", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "status: succeeded")
	assert.Contains(t, out, "entity: core")
	assert.NotContains(t, out, "entity: app")
	assert.NotContains(t, out, "policy:")

	out, err = runCLI(t, dir, "runs", "list", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestResolve_PolicyViolation(t *testing.T) {
	dir := initWorkspace(t)
	strict := strings.ReplaceAll(examplePolicy, `"bin/"`, `"out/"`)
	strict = strings.ReplaceAll(strict, "outside bin/", "outside out/")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies", "output.rego"), []byte(strict), 0o644))

	out, err := runCLI(t, dir, "resolve", "-o", "json")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))

	var report resolveOut
	decode(t, out, &report)
	assert.Equal(t, "succeeded", report.Status)
	require.NotNil(t, report.Policy)
	assert.False(t, report.Policy.Allowed)
	require.Len(t, report.Violations, 8)
	for _, v := range report.Violations {
		assert.Equal(t, "output", v.Policy)
		assert.Equal(t, "error", v.Severity)
	}

	_, err = runCLI(t, dir, "policies", "check", "core")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, err.Error(), "output")
}

func TestPoliciesList(t *testing.T) {
	dir := initWorkspace(t)

	out, err := runCLI(t, dir, "policies", "list", "-o", "json")
	require.NoError(t, err)

	var policies []policyEntry
	decode(t, out, &policies)
	require.Len(t, policies, 5)

	byName := make(map[string]policyEntry, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	require.Contains(t, byName, "output")
	assert.False(t, byName["output"].Builtin)
	assert.Equal(t, "error", string(byName["output"].Severity))
	assert.True(t, byName["self-dependency"].Builtin)
}

func TestGraph(t *testing.T) {
	dir := initWorkspace(t)

	out, err := runCLI(t, dir, "graph", "--dot")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph Dependencies {"))
	assert.Contains(t, out, "core/win64_debug")

	out, err = runCLI(t, dir, "graph", "-o", "json")
	require.NoError(t, err)
	var graph struct {
		Nodes map[string]json.RawMessage `json:"nodes"`
		Edges []json.RawMessage          `json:"edges"`
		Depth int                        `json:"depth"`
	}
	decode(t, out, &graph)
	assert.Len(t, graph.Nodes, 8)
	assert.Len(t, graph.Edges, 4)
	assert.Equal(t, 2, graph.Depth)

	out, err = runCLI(t, dir, "graph", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "app/linux_debug")
}

func TestWatcher_IsSource(t *testing.T) {
	dir := t.TempDir()
	w := &workspaceWatcher{app: &app{
		dir:      dir,
		settings: &config.Settings{Sources: []string{"**/*.cue"}},
	}}

	assert.True(t, w.isSource(filepath.Join(dir, "workspace.cue")))
	assert.True(t, w.isSource(filepath.Join(dir, "libs", "core.cue")))
	assert.True(t, w.isSource(filepath.Join(dir, config.SettingsFile)))
	assert.False(t, w.isSource(filepath.Join(dir, "README.md")))
}
