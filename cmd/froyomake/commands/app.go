package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyomake/pkg/config"
	"github.com/openfroyo/froyomake/pkg/engine"
	"github.com/openfroyo/froyomake/pkg/policy"
	"github.com/openfroyo/froyomake/pkg/stores"
	"github.com/openfroyo/froyomake/pkg/telemetry"
)

// errNoDatabase is returned by openStore when froyomake.yaml sets no database.
var errNoDatabase = errors.New("workspace has no database configured")

// app is the per-invocation state shared by workspace commands.
type app struct {
	opts     *globalOptions
	dir      string
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
}

// newApp reads froyomake.yaml and sets up telemetry. The returned context
// carries the telemetry instance.
func newApp(ctx context.Context, opts *globalOptions, hooks ...zerolog.Hook) (*app, context.Context, error) {
	dir, err := filepath.Abs(opts.dir)
	if err != nil {
		return nil, ctx, err
	}

	settings, err := config.LoadSettings(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ctx, fmt.Errorf("%s is not a froyomake workspace (run \"froyomake init\")", dir)
		}
		return nil, ctx, err
	}

	tel, err := newTelemetry(opts, settings.LogLevel)
	if err != nil {
		return nil, ctx, err
	}
	for _, h := range hooks {
		tel.Logger = tel.Logger.AddHook(h)
	}

	a := &app{
		opts:     opts,
		dir:      dir,
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.Zerolog(),
	}
	return a, tel.WithContext(ctx), nil
}

func newTelemetry(opts *globalOptions, settingsLevel string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if opts.ci {
		cfg = telemetry.CIConfig()
	}
	cfg.ServiceVersion = opts.version

	switch {
	case opts.verbose:
		cfg.Logging.Level = "debug"
	case opts.logLevel != "":
		cfg.Logging.Level = opts.logLevel
	case settingsLevel != "":
		cfg.Logging.Level = settingsLevel
	}

	if opts.metricsAddr != "" {
		cfg.Metrics.ListenAddress = opts.metricsAddr
	}

	if opts.stderr != nil {
		return telemetry.NewTelemetryWithWriter(cfg, opts.stderr)
	}
	return telemetry.NewTelemetry(cfg)
}

// close flushes telemetry.
func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// outputFormat returns the --output flag, falling back to froyomake.yaml.
func (a *app) outputFormat() string {
	if a.opts.output != "" {
		return a.opts.output
	}
	if a.settings.Output != "" {
		return a.settings.Output
	}
	return formatTable
}

// loadDescription discovers and parses the workspace sources.
func (a *app) loadDescription(ctx context.Context) (*config.Description, error) {
	loader := config.NewLoader(config.WithLoaderLogger(a.logger))
	files, err := loader.Discover(a.dir, a.settings.Sources)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no description files match %v in %s", a.settings.Sources, a.dir)
	}

	ctx, span := a.tel.Tracer.StartLoadSpan(ctx, len(files))
	defer span.End()

	desc, err := loader.Load(ctx, files)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	for _, e := range desc.Errors {
		a.logger.Error().
			Str("file", relPath(a.dir, e.File)).
			Int("line", e.Line).
			Str("path", e.Path).
			Msg(e.Message)
	}
	return desc, nil
}

// loadWorkspace loads and builds the workspace.
func (a *app) loadWorkspace(ctx context.Context) (*config.Workspace, error) {
	desc, err := a.loadDescription(ctx)
	if err != nil {
		return nil, err
	}
	timeout, err := a.settings.Timeout()
	if err != nil {
		return nil, err
	}
	return config.Build(desc, config.BuildOptions{Logger: a.logger, RuleTimeout: timeout})
}

// newEngine creates a resolution engine wired to the app's telemetry.
func (a *app) newEngine(ws *config.Workspace) *engine.ResolutionEngine {
	resolver := engine.NewRuleResolver(
		engine.WithOrderPolicy(a.settings.Order()),
		engine.WithResolverLogger(a.logger),
	)
	return engine.NewResolutionEngine(ws.Registry,
		engine.WithRuleResolver(resolver),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.tel.Metrics),
		engine.WithTracer(a.tel.Tracer.OTel()),
	)
}

// newPolicyEngine creates a policy engine with the built-ins and the
// workspace's policy files loaded.
func (a *app) newPolicyEngine(ctx context.Context, ws *config.Workspace) (*policy.Engine, error) {
	pe, err := policy.NewEngine(a.logger,
		policy.WithMetrics(a.tel.Metrics),
		policy.WithTracer(a.tel.Tracer.OTel()),
	)
	if err != nil {
		return nil, err
	}

	if paths := a.policyPaths(); len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}

	data := map[string]interface{}{
		"name":       a.settings.Name,
		"dimensions": ws.Registry.Names(),
	}
	if err := pe.SetData(ctx, "workspace", data); err != nil {
		return nil, err
	}
	return pe, nil
}

func (a *app) policyPaths() []string {
	paths := make([]string, 0, len(a.settings.Policies))
	for _, p := range a.settings.Policies {
		if !filepath.IsAbs(p) {
			p = filepath.Join(a.dir, p)
		}
		paths = append(paths, p)
	}
	return paths
}

// openStore opens and migrates the workspace database.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	path := a.settings.DatabasePath(a.dir)
	if path == "" {
		return nil, errNoDatabase
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// selectEntities returns the named entities, or all of them when names is empty.
func selectEntities(ws *config.Workspace, names []string) ([]*engine.Configurable, error) {
	if len(names) == 0 {
		return ws.Entities, nil
	}
	out := make([]*engine.Configurable, 0, len(names))
	for _, name := range names {
		c, ok := ws.Entity(name)
		if !ok {
			return nil, engine.NewSchemaError(fmt.Sprintf("unknown entity %q", name), nil).
				WithCode(engine.ErrCodeNotFound).
				WithEntity(name)
		}
		out = append(out, c)
	}
	return out, nil
}

func relPath(dir, path string) string {
	if path == "" {
		return ""
	}
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel
	}
	return path
}
