package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/engine"
	"github.com/openfroyo/froyomake/pkg/policy"
)

type policyEntry struct {
	Name        string          `json:"name" yaml:"name"`
	Severity    policy.Severity `json:"severity" yaml:"severity"`
	Builtin     bool            `json:"builtin" yaml:"builtin"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Tags        []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

func newPoliciesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage the policies applied to resolved configurations",
		Long: `Policies are Rego modules evaluated against every resolved configuration.
The built-in policies are always loaded; workspace policies are read from the
paths listed under "policies" in froyomake.yaml.`,
	}

	cmd.AddCommand(newPoliciesListCommand(opts))
	cmd.AddCommand(newPoliciesCheckCommand(opts))

	return cmd
}

func newPoliciesListCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in and workspace policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			pe, err := policy.NewEngine(a.logger)
			if err != nil {
				return err
			}
			if paths := a.policyPaths(); len(paths) > 0 {
				if err := pe.LoadPolicies(ctx, paths); err != nil {
					return err
				}
			}

			policies := pe.ListPolicies()
			out := make([]policyEntry, 0, len(policies))
			for _, p := range policies {
				out = append(out, policyEntry{
					Name:        p.Name,
					Severity:    p.Severity,
					Builtin:     p.Builtin,
					Enabled:     p.Enabled,
					Tags:        p.Tags,
					Description: p.Description,
				})
			}

			return render(cmd.OutOrStdout(), a.outputFormat(), out, func() *table {
				t := &table{header: []string{"NAME", "SEVERITY", "BUILTIN", "ENABLED", "DESCRIPTION"}}
				for _, p := range out {
					t.add(p.Name, string(p.Severity), strconv.FormatBool(p.Builtin), strconv.FormatBool(p.Enabled), p.Description)
				}
				return t
			})
		},
	}

	return cmd
}

func newPoliciesCheckCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [entity...]",
		Short: "Resolve entities and report policy findings only",
		Long: `Resolve the named entities (all when none are given) without recording a
run and print the policy violations and warnings of the resolved
configurations. Exits with status 2 when a blocking violation is found.`,
		Example: `  froyomake policies check
  froyomake policies check app -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ws, err := a.loadWorkspace(ctx)
			if err != nil {
				return err
			}

			report, err := runResolve(ctx, a, ws, args, &resolveOptions{noStore: true, operation: "check"})
			if err != nil {
				return err
			}

			violations := report.Violations
			if violations == nil {
				violations = []policy.Violation{}
			}
			if err := render(cmd.OutOrStdout(), a.outputFormat(), violations, func() *table {
				t := &table{header: []string{"SEVERITY", "POLICY", "ENTITY", "TARGET", "MESSAGE"}}
				for _, v := range violations {
					t.add(string(v.Severity), v.Policy, v.Entity, v.Target, v.Message)
				}
				return t
			}); err != nil {
				return err
			}

			if report.failed() {
				reason := "policy check failed"
				if report.Status != engine.RunStatusSucceeded {
					reason = fmt.Sprintf("resolution %s", report.Status)
				}
				return &exitError{code: 2, err: fmt.Errorf("%s: %s", reason, strings.Join(blocking(violations), ", "))}
			}
			return nil
		},
	}

	return cmd
}

// blocking returns the names of policies with blocking findings.
func blocking(violations []policy.Violation) []string {
	seen := make(map[string]bool)
	var names []string
	for _, v := range violations {
		if v.Severity.Blocking() && !seen[v.Policy] {
			seen[v.Policy] = true
			names = append(names, v.Policy)
		}
	}
	return names
}
