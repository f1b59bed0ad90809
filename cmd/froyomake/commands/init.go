package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/config"
)

const exampleDescription = `// Fragment dimensions. Each member owns one bit of its dimension.
fragments: {
	platform: members: [
		{name: "win64", bits: 1},
		{name: "linux", bits: 2},
	]
	optimization: members: [
		{name: "debug", bits: 1},
		{name: "release", bits: 2},
	]
}

schemas: default: ["platform", "optimization"]

types: {
	Project: {
		rules: [{
			name: "Defaults"
			script: """
				def configure(conf, target, entity):
				    conf.set("output_dir", "bin/" + target.name)
				    if target.has("optimization.debug"):
				        conf.append("defines", "_DEBUG")
				    else:
				        conf.append("defines", "NDEBUG")
				"""
		}]
	}
	Library: parent: "Project"
	Program: {
		parent: "Project"
		rules: [{
			name:     "Link"
			priority: 1
			script: """
				def configure(conf, target, entity):
				    conf.depend("core", "private", "library_files|include_paths")
				"""
		}]
	}
}

entities: {
	core: {
		type:   "Library"
		schema: "default"
		targets: [{platform: "*", optimization: "*"}]
	}
	app: {
		type:   "Program"
		schema: "default"
		targets: [{platform: "*", optimization: "*"}]
	}
}
`

const examplePolicy = `# Output directories must live under bin/.
# severity: error
package workspace.output

import rego.v1

deny contains msg if {
	not startswith(input.configuration.output_dir, "bin/")
	msg := sprintf("output_dir %v is outside bin/", [input.configuration.output_dir])
}
`

func newInitCommand(opts *globalOptions) *cobra.Command {
	var (
		name      string
		force     bool
		noExample bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a froyomake workspace",
		Long: `Initialize a new froyomake workspace.

This writes froyomake.yaml, an example description (workspace.cue), an example
policy under policies/, and creates the run database.`,
		Example: `  # Initialize the current directory
  froyomake init

  # Initialize another directory with a custom name
  froyomake init -C ./engine --name engine`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(opts.dir)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(dir)
			}

			log.Info().
				Str("dir", dir).
				Str("name", name).
				Msg("Initializing workspace")

			out := cmd.OutOrStdout()
			settings := config.DefaultSettings(name)
			if !noExample {
				settings.Policies = []string{"policies"}
			}
			if err := config.WriteSettings(dir, settings, force); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Created %s\n", config.SettingsFile)

			if !noExample {
				files := []struct{ path, content string }{
					{"workspace.cue", exampleDescription},
					{"policies/output.rego", examplePolicy},
				}
				for _, f := range files {
					created, err := writeIfMissing(filepath.Join(dir, f.path), f.content, force)
					if err != nil {
						return err
					}
					if created {
						fmt.Fprintf(out, "✓ Created %s\n", f.path)
					} else {
						fmt.Fprintf(out, "✓ Kept existing %s\n", f.path)
					}
				}
			}

			a, ctx, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			switch {
			case errors.Is(err, errNoDatabase):
			case err != nil:
				return fmt.Errorf("failed to initialize database: %w", err)
			default:
				defer store.Close()
				fmt.Fprintf(out, "✓ Initialized database %s\n", settings.Database)
			}

			fmt.Fprintf(out, "\nWorkspace %s initialized.\n\nNext steps:\n", name)
			fmt.Fprintf(out, "  froyomake validate\n")
			fmt.Fprintf(out, "  froyomake targets\n")
			fmt.Fprintf(out, "  froyomake resolve\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "workspace name (default: directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().BoolVar(&noExample, "no-example", false, "only write froyomake.yaml")

	return cmd
}

func writeIfMissing(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
