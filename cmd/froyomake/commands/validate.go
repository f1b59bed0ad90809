package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/config"
	"github.com/openfroyo/froyomake/pkg/telemetry"
)

// validationReport is the output of validate.
type validationReport struct {
	Workspace  string   `json:"workspace" yaml:"workspace"`
	Files      int      `json:"files" yaml:"files"`
	Dimensions int      `json:"dimensions" yaml:"dimensions"`
	Types      int      `json:"types" yaml:"types"`
	Entities   int      `json:"entities" yaml:"entities"`
	Targets    int      `json:"targets" yaml:"targets"`
	Policies   int      `json:"policies" yaml:"policies"`
	Warnings   int64    `json:"warnings" yaml:"warnings"`
	Errors     []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	Valid      bool     `json:"valid" yaml:"valid"`
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace description",
		Long: `Validate the workspace description without resolving configurations.

This command checks:
  - CUE syntax and schema conformance
  - Fragment bit patterns and target schemas
  - Type hierarchies and rule overrides
  - Target expansion of every entity (duplicate targets)
  - Policy compilation (OPA/rego)

Diagnostics such as redundant rule overrides are logged as warnings; --strict
turns them into a failure.`,
		Example: `  # Validate the workspace in the current directory
  froyomake validate

  # Fail on warnings too
  froyomake validate --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			counter := &telemetry.WarningCounter{}
			a, ctx, err := newApp(cmd.Context(), opts, counter)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			report := &validationReport{Workspace: a.settings.Name}
			check := func() error {
				desc, err := a.loadDescription(ctx)
				if err != nil {
					return err
				}
				report.Files = len(desc.SourceFiles)
				for _, e := range desc.Errors {
					report.Errors = append(report.Errors, e.Error())
				}
				if len(report.Errors) > 0 {
					return nil
				}

				timeout, err := a.settings.Timeout()
				if err != nil {
					return err
				}
				ws, err := config.Build(desc, config.BuildOptions{Logger: a.logger, RuleTimeout: timeout})
				if err != nil {
					return err
				}
				report.Dimensions = len(ws.Registry.Names())
				report.Types = len(ws.Types.Types())
				report.Entities = len(ws.Entities)

				eng := a.newEngine(ws)
				for _, typ := range ws.Types.Types() {
					if _, err := eng.Rules().Resolve(typ); err != nil {
						return err
					}
				}
				for _, c := range ws.Entities {
					set, err := eng.Expand(c)
					if err != nil {
						return err
					}
					report.Targets += set.Len()
				}

				pe, err := a.newPolicyEngine(ctx, ws)
				if err != nil {
					return err
				}
				report.Policies = len(pe.ListPolicies())
				return nil
			}

			if err := check(); err != nil {
				a.logger.Error().Err(err).Msg("Validation failed")
				report.Errors = append(report.Errors, err.Error())
			}
			report.Warnings = counter.Warnings()
			report.Valid = len(report.Errors) == 0 && (!strict || report.Warnings == 0)

			err = render(cmd.OutOrStdout(), a.outputFormat(), report, func() *table {
				t := &table{header: []string{"CHECK", "RESULT"}}
				t.add("files", strconv.Itoa(report.Files))
				t.add("dimensions", strconv.Itoa(report.Dimensions))
				t.add("types", strconv.Itoa(report.Types))
				t.add("entities", strconv.Itoa(report.Entities))
				t.add("targets", strconv.Itoa(report.Targets))
				t.add("policies", strconv.Itoa(report.Policies))
				t.add("warnings", strconv.FormatInt(report.Warnings, 10))
				for _, e := range report.Errors {
					t.add("error", e)
				}
				t.add("valid", strconv.FormatBool(report.Valid))
				return t
			})
			if err != nil {
				return err
			}

			if !report.Valid {
				if len(report.Errors) == 0 {
					return &exitError{code: 2, err: fmt.Errorf("validation produced %d warning(s) in strict mode", report.Warnings)}
				}
				return &exitError{code: 2, err: fmt.Errorf("validation failed with %d error(s)", len(report.Errors))}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")

	return cmd
}
