package policy

import (
	"time"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should fail the run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity disallows the run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for deny results.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with froyomake.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy finding against one configuration.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Rule is the rule that produced the finding ("deny", "warn" or a
	// rule name supplied by the policy).
	Rule string `json:"rule"`

	// Entity and Target identify the configuration.
	Entity string `json:"entity"`
	Target string `json:"target"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of evaluating the enabled policies.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking and non-blocking deny findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists findings from warn rules.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Configurations is the number of configurations evaluated.
	Configurations int `json:"configurations"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// All returns violations followed by warnings.
func (r *Result) All() []Violation {
	out := make([]Violation, 0, len(r.Violations)+len(r.Warnings))
	out = append(out, r.Violations...)
	return append(out, r.Warnings...)
}

func (r *Result) merge(other *Result) {
	r.Violations = append(r.Violations, other.Violations...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Errors = append(r.Errors, other.Errors...)
	r.Configurations += other.Configurations
	if !other.Allowed {
		r.Allowed = false
	}
}

// Input is the document policies see as `input`.
type Input struct {
	Entity        EntityInput            `json:"entity"`
	Target        TargetInput            `json:"target"`
	Configuration map[string]interface{} `json:"configuration"`
	Dependencies  []engine.Dependency    `json:"dependencies"`
	Context       *Context               `json:"context"`
}

// EntityInput describes the configured entity.
type EntityInput struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Identity map[string]interface{} `json:"identity"`
}

// TargetInput describes the target a configuration was resolved for.
type TargetInput struct {
	Name      string            `json:"name"`
	Fragments map[string]string `json:"fragments"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Workspace is the workspace name from froyomake.yaml.
	Workspace string `json:"workspace,omitempty"`

	// RunID is the batch resolution being checked.
	RunID string `json:"run_id,omitempty"`

	// Operation is the command being performed (e.g. "resolve", "validate").
	Operation string `json:"operation,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Bundle represents a collection of related policies.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}

// Summary provides aggregate statistics for a Result.
type Summary struct {
	TotalPolicies        int              `json:"total_policies"`
	TotalViolations      int              `json:"total_violations"`
	TotalWarnings        int              `json:"total_warnings"`
	ViolationsBySeverity map[Severity]int `json:"violations_by_severity"`
	Allowed              bool             `json:"allowed"`
}

// Summarize computes the aggregate statistics of r.
func (r *Result) Summarize() Summary {
	s := Summary{
		TotalPolicies:        len(r.EvaluatedPolicies),
		TotalViolations:      len(r.Violations),
		TotalWarnings:        len(r.Warnings),
		ViolationsBySeverity: make(map[Severity]int),
		Allowed:              r.Allowed,
	}
	for _, v := range r.All() {
		s.ViolationsBySeverity[v.Severity]++
	}
	return s
}
