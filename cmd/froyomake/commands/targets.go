package commands

import (
	"github.com/spf13/cobra"
)

// entityTargets lists the expanded targets of one entity.
type entityTargets struct {
	Entity  string        `json:"entity" yaml:"entity"`
	Type    string        `json:"type" yaml:"type"`
	Targets []targetEntry `json:"targets" yaml:"targets"`
}

type targetEntry struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

func newTargetsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets [entity...]",
		Short: "List the targets each entity expands to",
		Long: `Expand the target masks of entities into concrete targets without running
any configure rule. Each target is listed with the declaration that produced it.`,
		Example: `  # Every entity
  froyomake targets

  # One entity, as JSON
  froyomake targets core -o json`,
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
			entities, err := selectEntities(ws, args)
			if err != nil {
				return err
			}

			eng := a.newEngine(ws)
			out := make([]entityTargets, 0, len(entities))
			for _, c := range entities {
				set, err := eng.Expand(c)
				if err != nil {
					return err
				}
				et := entityTargets{Entity: c.Name(), Type: c.Type().Name()}
				for _, t := range set.Targets() {
					et.Targets = append(et.Targets, targetEntry{
						Name:   t.String(),
						Source: relPath(a.dir, set.Source(t)),
					})
				}
				out = append(out, et)
			}

			return render(cmd.OutOrStdout(), a.outputFormat(), out, func() *table {
				t := &table{header: []string{"ENTITY", "TARGET", "SOURCE"}}
				for _, et := range out {
					for _, tgt := range et.Targets {
						t.add(et.Entity, tgt.Name, tgt.Source)
					}
				}
				return t
			})
		},
	}

	return cmd
}
