package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunStatus represents the overall status of a batch resolution run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates entities are being resolved.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every entity resolved.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no entity resolved or the run aborted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some entities failed or were skipped.
	RunStatusPartial RunStatus = "partial"

	// RunStatusSkipped marks an entity that was never resolved because the
	// batch stopped early.
	RunStatusSkipped RunStatus = "skipped"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusSkipped
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusPartial, RunStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// DependencyType controls whether a dependency is propagated to dependents.
type DependencyType string

const (
	// DependencyPublic dependencies are visible to the dependents of the
	// depending entity.
	DependencyPublic DependencyType = "public"

	// DependencyPrivate dependencies stop at the depending entity.
	DependencyPrivate DependencyType = "private"
)

// Validate checks if the dependency type is valid.
func (d DependencyType) Validate() error {
	switch d {
	case DependencyPublic, DependencyPrivate:
		return nil
	default:
		return fmt.Errorf("invalid dependency type: %s", d)
	}
}

// DependencySetting selects what a dependency contributes to its dependent.
type DependencySetting uint32

const (
	// DependencyOnlyBuildOrder only orders the build; nothing is inherited.
	DependencyOnlyBuildOrder DependencySetting = 0

	// DependencyLibraryFiles propagates library files.
	DependencyLibraryFiles DependencySetting = 1 << 1

	// DependencyLibraryPaths propagates library search paths.
	DependencyLibraryPaths DependencySetting = 1 << 2

	// DependencyIncludePaths propagates include paths.
	DependencyIncludePaths DependencySetting = 1 << 3

	// DependencyDefines propagates preprocessor defines.
	DependencyDefines DependencySetting = 1 << 4

	// DependencyAdditionalUsingDirectories propagates using directories.
	DependencyAdditionalUsingDirectories DependencySetting = 1 << 5

	// DependencyForceUsingAssembly forces an assembly reference.
	DependencyForceUsingAssembly DependencySetting = 1 << 6

	// DependencyDefault propagates everything.
	DependencyDefault = DependencyLibraryFiles | DependencyLibraryPaths |
		DependencyIncludePaths | DependencyDefines |
		DependencyAdditionalUsingDirectories | DependencyForceUsingAssembly
)

var dependencySettingNames = []struct {
	flag DependencySetting
	name string
}{
	{DependencyLibraryFiles, "library_files"},
	{DependencyLibraryPaths, "library_paths"},
	{DependencyIncludePaths, "include_paths"},
	{DependencyDefines, "defines"},
	{DependencyAdditionalUsingDirectories, "additional_using_directories"},
	{DependencyForceUsingAssembly, "force_using_assembly"},
}

// Has reports whether every flag of f is set.
func (s DependencySetting) Has(f DependencySetting) bool {
	return s&f == f
}

// String returns the flags joined with "|", or "only_build_order".
func (s DependencySetting) String() string {
	if s == DependencyOnlyBuildOrder {
		return "only_build_order"
	}
	if s == DependencyDefault {
		return "default"
	}
	names := make([]string, 0, len(dependencySettingNames))
	for _, n := range dependencySettingNames {
		if s.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseDependencySetting parses the String form of a setting.
func ParseDependencySetting(s string) (DependencySetting, error) {
	switch strings.TrimSpace(s) {
	case "", "default":
		return DependencyDefault, nil
	case "only_build_order":
		return DependencyOnlyBuildOrder, nil
	}

	var out DependencySetting
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		found := false
		for _, n := range dependencySettingNames {
			if n.name == part {
				out |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("invalid dependency setting: %s", part)
		}
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (s DependencySetting) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *DependencySetting) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseDependencySetting(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s DependencySetting) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
