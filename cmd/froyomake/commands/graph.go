package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/engine"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the build-order graph of resolved configurations",
		Long: `Resolve every entity and print the dependency graph between the resulting
configurations. Nodes are entity/target pairs; edges carry the dependency type
and settings, including settings inherited through public dependencies.
Configurations on the same level can be built in parallel.`,
		Example: `  # Build levels as a table
  froyomake graph

  # Graphviz
  froyomake graph --dot | dot -Tsvg > graph.svg`,
		Args: cobra.NoArgs,
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

			result, err := a.newEngine(ws).ResolveAll(ctx, ws.Entities, engine.ScheduleOptions{
				MaxParallel: a.settings.Parallelism,
			})
			if err != nil {
				return err
			}
			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("resolution %s; run \"froyomake resolve\" for details", result.Status)
			}

			builder := engine.NewDependencyGraphBuilder()
			graph, err := builder.Build(ws.Entities)
			if err != nil {
				return err
			}

			if dot {
				_, err := fmt.Fprint(cmd.OutOrStdout(), builder.ToDOT())
				return err
			}

			return render(cmd.OutOrStdout(), a.outputFormat(), graph, func() *table {
				t := &table{header: []string{"LEVEL", "CONFIGURATION", "DEPENDS ON"}}
				for level, ids := range builder.GetLevels() {
					sorted := append([]string(nil), ids...)
					sort.Strings(sorted)
					for _, id := range sorted {
						t.add(strconv.Itoa(level), id, strings.Join(graph.Nodes[id].Dependencies, ", "))
					}
				}
				return t
			})
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")

	return cmd
}
