package commands

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/config"
	"github.com/openfroyo/froyomake/pkg/policy"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	ro := &resolveOptions{operation: "watch"}
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Resolve again whenever the description or policies change",
		Long: `Resolve the workspace, then watch its description files and policy
directories and resolve again after every change. With --metrics-addr the
Prometheus metrics of all runs are served until the command exits.`,
		Example: `  froyomake watch
  froyomake watch --metrics-addr :9090 --skip-policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if opts.metricsAddr != "" {
				if err := a.tel.StartMetricsServer(ctx); err != nil {
					return err
				}
				a.logger.Info().Str("addr", opts.metricsAddr).Msg("Serving metrics")
			}

			w := &workspaceWatcher{app: a, ro: ro, out: cmd.OutOrStdout(), debounce: debounce}
			return w.run(ctx)
		},
	}

	addResolveFlags(cmd, ro)
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "delay between a change and the next resolution")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// workspaceWatcher re-resolves the workspace when a source file changes.
type workspaceWatcher struct {
	app      *app
	ro       *resolveOptions
	out      io.Writer
	debounce time.Duration
}

func (w *workspaceWatcher) run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addDirs(watcher); err != nil {
		return err
	}

	trigger := make(chan struct{}, 1)
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	// Policy directories are watched by the policy loader, which has its
	// own debounce.
	if paths := w.app.policyPaths(); len(paths) > 0 {
		loader := policy.NewLoader(w.app.logger)
		err := loader.Watch(ctx, paths, func(policies []policy.Policy) error {
			w.app.logger.Info().Int("policies", len(policies)).Msg("Policies changed")
			notify()
			return nil
		})
		if err != nil {
			return err
		}
		defer loader.StopWatching()
	}

	w.resolve(ctx)

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if !w.isSource(event.Name) {
				continue
			}
			if filepath.Base(event.Name) == config.SettingsFile {
				w.app.logger.Warn().Msg("froyomake.yaml changed; restart watch to apply new settings")
				continue
			}
			w.app.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Source changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, notify)

		case <-trigger:
			w.resolve(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.app.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// resolve runs one batch and prints its report. Failures are logged; the
// watch keeps running.
func (w *workspaceWatcher) resolve(ctx context.Context) {
	ws, err := w.app.loadWorkspace(ctx)
	if err != nil {
		w.app.logger.Error().Err(err).Msg("Workspace is invalid")
		return
	}
	report, err := runResolve(ctx, w.app, ws, nil, w.ro)
	if err != nil {
		w.app.logger.Error().Err(err).Msg("Resolution failed")
		return
	}
	if err := render(w.out, w.app.outputFormat(), report, report.table); err != nil {
		w.app.logger.Error().Err(err).Msg("Failed to print report")
	}
}

// addDirs watches every directory of the workspace except hidden ones.
func (w *workspaceWatcher) addDirs(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.app.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.app.dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// isSource reports whether path matches one of the workspace source patterns
// or is the settings file.
func (w *workspaceWatcher) isSource(path string) bool {
	rel, err := filepath.Rel(w.app.dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == config.SettingsFile {
		return true
	}
	for _, pattern := range w.app.settings.Sources {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
