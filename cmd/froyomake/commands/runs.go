package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/stores"
)

// runDetail is the output of runs show.
type runDetail struct {
	Run            *stores.Run                   `json:"run" yaml:"run"`
	Entities       []*stores.EntityResult        `json:"entities" yaml:"entities"`
	Configurations []*stores.ConfigurationRecord `json:"configurations" yaml:"configurations"`
	Violations     []*stores.Violation           `json:"violations" yaml:"violations"`
}

func newRunsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded resolution runs",
		Long: `List, show and delete the resolution runs recorded in the workspace
database.`,
	}

	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsDeleteCommand(opts))

	return cmd
}

func newRunsListCommand(opts *globalOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  froyomake runs list
  froyomake runs list --limit 5 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, a *app, store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}

				return render(cmd.OutOrStdout(), a.outputFormat(), runs, func() *table {
					t := &table{header: []string{"RUN", "STATUS", "STARTED", "DURATION", "SUCCEEDED", "FAILED", "SKIPPED"}}
					for _, r := range runs {
						t.add(
							r.ID,
							string(r.Status),
							r.StartedAt.Local().Format(time.DateTime),
							runDuration(r),
							strconv.Itoa(r.Summary.Succeeded),
							strconv.Itoa(r.Summary.Failed),
							strconv.Itoa(r.Summary.Skipped),
						)
					}
					return t
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newRunsShowCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id|latest>",
		Short: "Show the entities, configurations and violations of a run",
		Example: `  froyomake runs show latest
  froyomake runs show 6f1c0d2e-... -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, a *app, store *stores.SQLiteStore) error {
				var (
					run *stores.Run
					err error
				)
				if args[0] == "latest" {
					run, err = store.LatestRun(ctx)
				} else {
					run, err = store.GetRun(ctx, args[0])
				}
				if err != nil {
					return err
				}

				detail := &runDetail{Run: run}
				if detail.Entities, err = store.ListEntityResults(ctx, run.ID); err != nil {
					return err
				}
				if detail.Configurations, err = store.ListConfigurations(ctx, stores.ConfigurationFilter{RunID: run.ID}); err != nil {
					return err
				}
				if detail.Violations, err = store.ListViolations(ctx, run.ID); err != nil {
					return err
				}

				return render(cmd.OutOrStdout(), a.outputFormat(), detail, detail.table)
			})
		},
	}

	return cmd
}

func newRunsDeleteCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete runs and everything recorded for them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, a *app, store *stores.SQLiteStore) error {
				for _, id := range args {
					if err := store.DeleteRun(ctx, id); err != nil {
						return err
					}
					a.logger.Info().Str("run_id", id).Msg("Run deleted")
					fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted run %s\n", id)
				}
				return nil
			})
		},
	}

	return cmd
}

// withStore runs fn with the opened workspace database.
func withStore(ctx context.Context, opts *globalOptions, fn func(context.Context, *app, *stores.SQLiteStore) error) error {
	a, ctx, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	store, err := a.openStore(ctx)
	if errors.Is(err, errNoDatabase) {
		return fmt.Errorf("%w: set \"database\" in froyomake.yaml to record runs", err)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, a, store)
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func (d *runDetail) table() *table {
	t := &table{header: []string{"ENTITY", "TARGET", "STATUS", "DETAIL"}}
	for _, e := range d.Entities {
		detail := strconv.Itoa(e.Configurations) + " configurations"
		if e.Error != nil {
			detail = *e.Error
		}
		t.add(e.Entity, "", string(e.Status), detail)
	}
	for _, c := range d.Configurations {
		t.add(c.Entity, c.Target, "resolved", c.Properties)
	}
	for _, v := range d.Violations {
		t.add(v.Entity, v.Target, v.Severity, v.Policy+": "+v.Message)
	}
	status := string(d.Run.Status)
	if d.Run.Error != nil {
		status += " (" + *d.Run.Error + ")"
	}
	t.add("", "", status, "run "+d.Run.ID)
	return t
}
