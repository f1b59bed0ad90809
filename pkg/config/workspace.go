package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// SettingsFile is the workspace settings file name.
const SettingsFile = "froyomake.yaml"

// Settings holds per-workspace options read from froyomake.yaml.
type Settings struct {
	// Name of the workspace, used as a run label.
	Name string `yaml:"name" validate:"required"`

	// Sources are doublestar patterns relative to the workspace root.
	Sources []string `yaml:"sources" validate:"required,min=1,dive,required"`

	// Database is the SQLite file that stores resolution runs.
	Database string `yaml:"database,omitempty"`

	// Policies are Rego files evaluated against every configuration.
	Policies []string `yaml:"policies,omitempty"`

	// Parallelism bounds concurrent entity resolutions. Zero means GOMAXPROCS.
	Parallelism int `yaml:"parallelism,omitempty" validate:"gte=0"`

	// FailFast stops a batch at the first failed entity.
	FailFast bool `yaml:"fail_fast,omitempty"`

	// Output is the report format.
	Output string `yaml:"output,omitempty" validate:"omitempty,oneof=table json yaml"`

	// OrderPolicy is "declaration" or "discovery".
	OrderPolicy string `yaml:"order_policy,omitempty" validate:"omitempty,oneof=declaration discovery"`

	// RuleTimeout bounds one rule invocation, e.g. "30s".
	RuleTimeout string `yaml:"rule_timeout,omitempty"`

	// LogLevel overrides the telemetry log level.
	LogLevel string `yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
}

// DefaultSettings returns the settings written by "froyomake init".
func DefaultSettings(name string) *Settings {
	return &Settings{
		Name:        name,
		Sources:     []string{"**/*.cue"},
		Database:    ".froyomake/state.db",
		Output:      "json",
		OrderPolicy: "declaration",
		RuleTimeout: "30s",
	}
}

// LoadSettings reads froyomake.yaml from dir. Unknown keys are rejected.
func LoadSettings(dir string) (*Settings, error) {
	path := filepath.Join(dir, SettingsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Settings
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks field constraints.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// WriteSettings writes s to dir/froyomake.yaml. An existing file is kept
// unless overwrite is set.
func WriteSettings(dir string, s *Settings, overwrite bool) error {
	if err := s.Validate(); err != nil {
		return err
	}

	path := filepath.Join(dir, SettingsFile)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DatabasePath returns the database path resolved against dir.
func (s *Settings) DatabasePath(dir string) string {
	if s.Database == "" || filepath.IsAbs(s.Database) {
		return s.Database
	}
	return filepath.Join(dir, s.Database)
}

// Order returns the rule order policy.
func (s *Settings) Order() engine.OrderPolicy {
	if s.OrderPolicy == "discovery" {
		return engine.DiscoveryOrder
	}
	return engine.DeclarationOrder
}

// Timeout parses RuleTimeout. An empty value yields zero, which selects the
// evaluator default.
func (s *Settings) Timeout() (time.Duration, error) {
	if s.RuleTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.RuleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid rule_timeout %q: %w", s.RuleTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid rule_timeout %q: negative", s.RuleTimeout)
	}
	return d, nil
}
