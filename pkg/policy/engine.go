package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// MetricsRecorder receives one call per policy finding.
type MetricsRecorder interface {
	RecordPolicyViolation(policy, severity string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for evaluation spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithoutBuiltins skips loading the built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// Engine evaluates Rego policies against resolved configurations.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer
	builtins bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	deny     rego.PreparedEvalQuery
	warn     rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		tracer:   noop.NewTracerProvider().Tracer("froyomake/policy"),
		builtins: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// SetData publishes value as data.<key> for every policy.
func (e *Engine) SetData(ctx context.Context, key string, value interface{}) error {
	path, ok := storage.ParsePath("/" + key)
	if !ok || len(path) != 1 {
		return fmt.Errorf("invalid data key: %q", key)
	}
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, path, value); err != nil {
		return fmt.Errorf("failed to write data.%s: %w", key, err)
	}
	return nil
}

// EvaluateEntities evaluates every published configuration of entities.
func (e *Engine) EvaluateEntities(ctx context.Context, entities []*engine.Configurable, pctx *Context) (*Result, error) {
	start := time.Now()
	total := &Result{Allowed: true, EvaluatedAt: start}

	for _, c := range entities {
		for _, conf := range c.Configurations() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := e.EvaluateConfiguration(ctx, c, conf.Snapshot(), pctx)
			if err != nil {
				return nil, err
			}
			total.merge(res)
			total.EvaluatedPolicies = res.EvaluatedPolicies
		}
	}
	total.Duration = time.Since(start)

	e.logger.Debug().
		Int("entities", len(entities)).
		Int("configurations", total.Configurations).
		Int("violations", len(total.Violations)).
		Int("warnings", len(total.Warnings)).
		Dur("duration", total.Duration).
		Msg("Policy evaluation completed")

	return total, nil
}

// EvaluateConfiguration evaluates the enabled policies against one
// configuration of c. A policy that fails to evaluate is reported in
// Result.Errors and does not stop the others.
func (e *Engine) EvaluateConfiguration(ctx context.Context, c *engine.Configurable, snap engine.Snapshot, pctx *Context) (*Result, error) {
	start := time.Now()
	if pctx == nil {
		pctx = &Context{Operation: "resolve"}
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = start
	}

	input := &Input{
		Entity: EntityInput{
			Name:     c.Name(),
			Type:     c.Type().Name(),
			Identity: c.IdentityProperties(),
		},
		Target: TargetInput{
			Name:      snap.Target,
			Fragments: snap.Fragments,
		},
		Configuration: snap.Properties,
		Dependencies:  snap.Dependencies,
		Context:       pctx,
	}
	if input.Dependencies == nil {
		input.Dependencies = []engine.Dependency{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:        true,
		EvaluatedAt:    start,
		Configurations: 1,
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		spanCtx, span := e.tracer.Start(ctx, "policy.evaluate", trace.WithAttributes(
			attribute.String("policy.name", name),
			attribute.String("entity.name", snap.Entity),
			attribute.String("target", snap.Target),
		))

		violations, warnings, err := e.evaluatePolicy(spanCtx, cp, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("entity", snap.Entity).
				Str("target", snap.Target).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		span.SetAttributes(attribute.Int("policy.violations", len(violations)+len(warnings)))
		span.End()

		result.Violations = append(result.Violations, violations...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	for _, v := range result.All() {
		if e.metrics != nil {
			e.metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		}
		if v.Severity.Blocking() {
			result.Allowed = false
		}
	}
	result.Duration = time.Since(start)

	return result, nil
}

// evaluatePolicy runs the deny and warn queries of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, []Violation, error) {
	denied, err := cp.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("deny: %w", err)
	}
	warned, err := cp.warn.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("warn: %w", err)
	}

	violations := e.collect(cp.policy, "deny", cp.policy.Severity, denied, input)
	warnings := e.collect(cp.policy, "warn", SeverityWarning, warned, input)
	return violations, warnings, nil
}

func (e *Engine) collect(policy *Policy, rule string, severity Severity, rs rego.ResultSet, input *Input) []Violation {
	var out []Violation
	for _, result := range rs {
		if len(result.Expressions) == 0 {
			continue
		}
		// Partial set rules evaluate to a JSON array.
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, item := range set {
			out = append(out, e.createViolation(policy, rule, severity, item, input))
		}
	}
	return out
}

// createViolation creates a Violation from one element of a deny or warn set.
func (e *Engine) createViolation(policy *Policy, rule string, severity Severity, item interface{}, input *Input) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Rule:       rule,
		Entity:     input.Entity.Name,
		Target:     input.Target.Name,
		Severity:   severity,
		DetectedAt: time.Now(),
	}

	switch v := item.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && Severity(sev).Valid() {
			violation.Severity = Severity(sev)
		}
		if r, ok := v["rule"].(string); ok && r != "" {
			violation.Rule = r
		}
		if rem, ok := v["remediation"].(string); ok {
			violation.Remediation = rem
		}
		if details, ok := v["details"].(map[string]interface{}); ok {
			violation.Details = details
		}
	default:
		violation.Message = fmt.Sprintf("%v", item)
	}

	return violation
}

// LoadPolicies loads policy files and adds them to the engine. Loaded
// policies replace policies of the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// LoadBundle loads a bundle file and adds its enabled policies.
func (e *Engine) LoadBundle(ctx context.Context, path string) (*Bundle, error) {
	bundle, err := NewLoader(e.logger).LoadBundle(ctx, path)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range bundle.Policies {
		if err := e.compileAndStorePolicy(ctx, &bundle.Policies[i]); err != nil {
			return nil, fmt.Errorf("bundle %s: failed to compile policy %s: %w", bundle.Name, bundle.Policies[i].Name, err)
		}
	}
	return bundle, nil
}

// AddPolicy compiles a single policy and adds it to the engine.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &policy)
}

// ReplacePolicies swaps every non-builtin policy for policies. Nothing
// changes if any of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Builtin {
			next[name] = cp
		}
	}
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		next[cp.policy.Name] = cp
	}
	e.policies = next

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies replaced")

	return nil
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is empty")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if !policy.Severity.Valid() {
		return nil, fmt.Errorf("invalid severity %q", policy.Severity)
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.ParsedModule(module),
			rego.Store(e.store),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		deny:     deny,
		warn:     warn,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops every loaded policy and reloads the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	e.mu.Unlock()

	if !e.builtins {
		return nil
	}
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
