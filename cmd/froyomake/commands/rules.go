package commands

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// typeRules is the effective rule order of one entity type.
type typeRules struct {
	Type  string      `json:"type" yaml:"type"`
	Chain []string    `json:"chain" yaml:"chain"`
	Rules []ruleEntry `json:"rules" yaml:"rules"`
}

type ruleEntry struct {
	Rule     string   `json:"rule" yaml:"rule"`
	Root     string   `json:"root" yaml:"root"`
	Priority int      `json:"priority" yaml:"priority"`
	Filter   []string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

func newRulesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules [type...]",
		Short: "Show the effective configure rule order of entity types",
		Long: `Show the rules visible on each entity type in the order they run:
ascending priority, then by the order policy from froyomake.yaml. Overrides
appear once, under the most-derived type that declares them.`,
		Example: `  froyomake rules
  froyomake rules Library -o yaml`,
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

			types := ws.Types.Types()
			if len(args) > 0 {
				types = types[:0:0]
				for _, name := range args {
					typ, ok := ws.Types.Lookup(name)
					if !ok {
						return engine.NewSchemaError("unknown type "+strconv.Quote(name), nil).
							WithCode(engine.ErrCodeNotFound)
					}
					types = append(types, typ)
				}
			}

			eng := a.newEngine(ws)
			out := make([]typeRules, 0, len(types))
			for _, typ := range types {
				set, err := eng.Rules().Resolve(typ)
				if err != nil {
					return err
				}
				tr := typeRules{Type: typ.Name()}
				for _, t := range typ.Chain() {
					tr.Chain = append(tr.Chain, t.Name())
				}
				for _, r := range set.Rules {
					entry := ruleEntry{
						Rule:     r.String(),
						Root:     r.RootType.Name(),
						Priority: r.Priority,
					}
					for _, v := range r.Filter {
						entry.Filter = append(entry.Filter, ws.Registry.Describe(v))
					}
					tr.Rules = append(tr.Rules, entry)
				}
				out = append(out, tr)
			}

			return render(cmd.OutOrStdout(), a.outputFormat(), out, func() *table {
				t := &table{header: []string{"TYPE", "#", "PRIORITY", "RULE", "FILTER"}}
				for _, tr := range out {
					for i, r := range tr.Rules {
						t.add(tr.Type, strconv.Itoa(i+1), strconv.Itoa(r.Priority), r.Rule, strings.Join(r.Filter, " & "))
					}
				}
				return t
			})
		},
	}

	return cmd
}
