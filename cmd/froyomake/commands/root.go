package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	dir      string
	output   string
	logLevel string
	verbose  bool
	ci       bool
	version  string

	// metricsAddr is set by watch --metrics-addr.
	metricsAddr string

	// stderr receives log output; tests redirect it.
	stderr io.Writer
}

// exitError carries a process exit code with the error that caused it.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode returns the process exit code for an error returned by Execute:
// 2 when a resolution or policy check failed, 1 for anything else.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(&globalOptions{version: version}, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(opts *globalOptions, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyomake",
		Short: "froyomake - build configuration resolution",
		Long: `froyomake resolves the build configurations of a workspace.

A workspace describes fragment dimensions (platform, compiler, optimization,
...), entity types with Starlark configure rules, and the entities to build.
froyomake expands every entity's target masks into concrete targets, runs the
applicable rules of its type hierarchy in priority order, and records the
resulting configurations.

Features:
  - Typed descriptions via CUE
  - Configure rules in Starlark
  - Policy checks on resolved configurations (OPA/rego)
  - Run history in SQLite
  - Prometheus metrics and OpenTelemetry tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", opts.version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "output format: table, json or yaml (default from froyomake.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "JSON logs and OTLP tracing for build machines")

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newTargetsCommand(opts))
	rootCmd.AddCommand(newRulesCommand(opts))
	rootCmd.AddCommand(newResolveCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newPoliciesCommand(opts))

	return rootCmd
}
