package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyomake/pkg/config"
	"github.com/openfroyo/froyomake/pkg/engine"
	"github.com/openfroyo/froyomake/pkg/policy"
	"github.com/openfroyo/froyomake/pkg/stores"
	"github.com/openfroyo/froyomake/pkg/telemetry"
)

// resolveOptions are the flags of resolve and watch.
type resolveOptions struct {
	failFast     bool
	parallel     int
	noStore      bool
	skipPolicies bool
	operation    string
}

// resolveReport is the output of one batch resolution.
type resolveReport struct {
	RunID      string             `json:"run_id" yaml:"run_id"`
	Workspace  string             `json:"workspace" yaml:"workspace"`
	Status     engine.RunStatus   `json:"status" yaml:"status"`
	Summary    engine.RunSummary  `json:"summary" yaml:"summary"`
	Duration   string             `json:"duration" yaml:"duration"`
	Entities   []entityReport     `json:"entities" yaml:"entities"`
	Policy     *policy.Summary    `json:"policy,omitempty" yaml:"policy,omitempty"`
	Violations []policy.Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
}

type entityReport struct {
	Entity         string            `json:"entity" yaml:"entity"`
	Type           string            `json:"type" yaml:"type"`
	Status         engine.RunStatus  `json:"status" yaml:"status"`
	ErrorClass     string            `json:"error_class,omitempty" yaml:"error_class,omitempty"`
	Error          string            `json:"error,omitempty" yaml:"error,omitempty"`
	Configurations []engine.Snapshot `json:"configurations" yaml:"configurations"`
}

// failed reports whether the batch or the policy check failed.
func (r *resolveReport) failed() bool {
	return r.Status != engine.RunStatusSucceeded || (r.Policy != nil && !r.Policy.Allowed)
}

func newResolveCommand(opts *globalOptions) *cobra.Command {
	ro := &resolveOptions{operation: "resolve"}

	cmd := &cobra.Command{
		Use:   "resolve [entity...]",
		Short: "Resolve the configurations of entities",
		Long: `Resolve the configurations of the workspace's entities.

For every entity the target masks are expanded, the configure rules of its
type hierarchy run for each target in priority order, and the resulting
configurations are published together. Independent entities resolve in
parallel. Resolved configurations are checked against the workspace policies
and recorded in the run database.`,
		Example: `  # Resolve everything
  froyomake resolve

  # Resolve two entities and print YAML
  froyomake resolve core app -o yaml

  # Stop at the first failing entity, without recording the run
  froyomake resolve --fail-fast --no-store`,
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

			report, err := runResolve(ctx, a, ws, args, ro)
			if err != nil {
				return err
			}

			if err := render(cmd.OutOrStdout(), a.outputFormat(), report, report.table); err != nil {
				return err
			}
			if report.failed() {
				return &exitError{code: 2, err: fmt.Errorf("run %s: status %s", report.RunID, report.Status)}
			}
			return nil
		},
	}

	addResolveFlags(cmd, ro)
	return cmd
}

func addResolveFlags(cmd *cobra.Command, ro *resolveOptions) {
	cmd.Flags().BoolVar(&ro.failFast, "fail-fast", false, "skip remaining entities after the first failure")
	cmd.Flags().IntVarP(&ro.parallel, "parallel", "j", 0, "maximum concurrent entity resolutions (default from froyomake.yaml)")
	cmd.Flags().BoolVar(&ro.noStore, "no-store", false, "do not record the run in the database")
	cmd.Flags().BoolVar(&ro.skipPolicies, "skip-policies", false, "do not evaluate policies")
}

// runResolve resolves the named entities (all when names is empty),
// evaluates policies and records the run. Entity failures are reported in
// the returned report, not as an error.
func runResolve(ctx context.Context, a *app, ws *config.Workspace, names []string, ro *resolveOptions) (*resolveReport, error) {
	entities, err := selectEntities(ws, names)
	if err != nil {
		return nil, err
	}

	parallel := ro.parallel
	if parallel == 0 {
		parallel = a.settings.Parallelism
	}
	if parallel == 0 {
		parallel = runtime.GOMAXPROCS(0)
	}

	runID := uuid.New().String()
	ctx = telemetry.WithBatchContext(ctx, runID, len(entities))

	var store *stores.SQLiteStore
	if !ro.noStore {
		store, err = a.openStore(ctx)
		switch {
		case errors.Is(err, errNoDatabase):
			store = nil
		case err != nil:
			telemetry.EndBatchContext(ctx, string(engine.RunStatusFailed), err)
			return nil, err
		default:
			defer store.Close()
			if err := createRun(ctx, a, store, runID, entities, ro); err != nil {
				telemetry.EndBatchContext(ctx, string(engine.RunStatusFailed), err)
				return nil, err
			}
		}
	}

	result, resolveErr := a.newEngine(ws).ResolveAll(ctx, entities, engine.ScheduleOptions{
		MaxParallel: parallel,
		FailFast:    ro.failFast || a.settings.FailFast,
		RunID:       runID,
	})
	if result == nil {
		telemetry.EndBatchContext(ctx, string(engine.RunStatusFailed), resolveErr)
		return nil, resolveErr
	}

	report := newResolveReport(a.settings.Name, entities, result)

	var policyResult *policy.Result
	if !ro.skipPolicies {
		pe, err := a.newPolicyEngine(ctx, ws)
		if err != nil {
			telemetry.EndBatchContext(ctx, string(engine.RunStatusFailed), err)
			return nil, err
		}
		pctx, span := a.tel.Tracer.StartPolicySpan(ctx, runID, len(entities))
		policyResult, err = pe.EvaluateEntities(pctx, entities, &policy.Context{
			Workspace: a.settings.Name,
			RunID:     runID,
			Operation: ro.operation,
		})
		telemetry.RecordError(span, err)
		span.End()
		if err != nil {
			telemetry.EndBatchContext(ctx, string(engine.RunStatusFailed), err)
			return nil, err
		}
		summary := policyResult.Summarize()
		report.Policy = &summary
		report.Violations = policyResult.All()
		for _, msg := range policyResult.Errors {
			a.logger.Warn().Str("run_id", runID).Msg(msg)
		}
	}

	if store != nil {
		if err := recordRun(ctx, store, runID, entities, result, resolveErr, policyResult); err != nil {
			telemetry.EndBatchContext(ctx, string(result.Status), err)
			return nil, err
		}
	}

	telemetry.EndBatchContext(ctx, string(result.Status), resolveErr)
	return report, nil
}

func createRun(ctx context.Context, a *app, store *stores.SQLiteStore, runID string, entities []*engine.Configurable, ro *resolveOptions) error {
	names := make([]string, 0, len(entities))
	for _, c := range entities {
		names = append(names, c.Name())
	}
	metadata, err := json.Marshal(map[string]interface{}{
		"entities":  names,
		"operation": ro.operation,
		"version":   a.opts.version,
	})
	if err != nil {
		return err
	}

	return store.CreateRun(ctx, &stores.Run{
		ID:          runID,
		Workspace:   a.settings.Name,
		Status:      engine.RunStatusRunning,
		OrderPolicy: a.settings.Order().String(),
		Summary:     engine.RunSummary{Total: len(entities)},
		StartedAt:   time.Now(),
		Metadata:    string(metadata),
	})
}

// recordRun stores the configurations, entity results and violations of a
// finished batch and completes the run.
func recordRun(ctx context.Context, store *stores.SQLiteStore, runID string, entities []*engine.Configurable, result *engine.BatchResult, resolveErr error, pr *policy.Result) error {
	if err := store.SaveConfigurations(ctx, runID, stores.Snapshots(entities)); err != nil {
		return fmt.Errorf("failed to save configurations: %w", err)
	}
	if err := store.SaveEntityResults(ctx, stores.EntityResults(runID, entities, result)); err != nil {
		return fmt.Errorf("failed to save entity results: %w", err)
	}

	if pr != nil {
		all := pr.All()
		violations := make([]*stores.Violation, 0, len(all))
		for _, v := range all {
			violations = append(violations, &stores.Violation{
				RunID:    runID,
				Policy:   v.Policy,
				Rule:     v.Rule,
				Severity: string(v.Severity),
				Entity:   v.Entity,
				Target:   v.Target,
				Message:  v.Message,
			})
		}
		if err := store.SaveViolations(ctx, violations); err != nil {
			return fmt.Errorf("failed to save violations: %w", err)
		}
	}

	var errMsg *string
	switch {
	case resolveErr != nil:
		msg := resolveErr.Error()
		errMsg = &msg
	case pr != nil && !pr.Allowed:
		msg := "policy check failed"
		errMsg = &msg
	}
	return store.CompleteRun(ctx, runID, result, errMsg)
}

func newResolveReport(workspace string, entities []*engine.Configurable, result *engine.BatchResult) *resolveReport {
	report := &resolveReport{
		RunID:     result.ID,
		Workspace: workspace,
		Status:    result.Status,
		Summary:   result.Summary,
		Duration:  result.Duration.String(),
		Entities:  make([]entityReport, 0, len(entities)),
	}

	for _, c := range entities {
		er := entityReport{
			Entity:         c.Name(),
			Type:           c.Type().Name(),
			Status:         engine.RunStatusSkipped,
			Configurations: make([]engine.Snapshot, 0),
		}
		if st, ok := result.Entities[c.Name()]; ok {
			er.Status = st
		}
		if err := result.Errors[c.Name()]; err != nil {
			er.Error = err.Error()
			er.ErrorClass = string(engine.ClassOf(err))
		}
		for _, conf := range c.Configurations() {
			er.Configurations = append(er.Configurations, conf.Snapshot())
		}
		report.Entities = append(report.Entities, er)
	}
	return report
}

func (r *resolveReport) table() *table {
	t := &table{header: []string{"ENTITY", "TYPE", "STATUS", "CONFIGURATIONS", "DETAIL"}}
	for _, e := range r.Entities {
		t.add(e.Entity, e.Type, string(e.Status), strconv.Itoa(len(e.Configurations)), e.Error)
	}
	for _, v := range r.Violations {
		t.add(v.Entity, v.Target, string(v.Severity), v.Policy, v.Message)
	}
	t.add("", "", string(r.Status), strconv.Itoa(r.Summary.Succeeded)+"/"+strconv.Itoa(r.Summary.Total)+" succeeded", "run "+r.RunID)
	return t
}
