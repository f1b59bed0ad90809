package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// MetricsRecorder receives resolution measurements. A nil recorder is allowed.
type MetricsRecorder interface {
	RecordResolution(entityType, status string, duration time.Duration, configurations int)
	RecordRules(entityType string, invoked, skipped int)
	RecordError(class string)
	SetRuleCacheEntries(n int)
}

// ResolutionEngine turns entities into frozen configurations.
type ResolutionEngine struct {
	registry *FragmentRegistry
	expander *TargetExpander
	resolver *RuleResolver
	logger   zerolog.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer
}

// EngineOption configures a ResolutionEngine.
type EngineOption func(*ResolutionEngine)

// WithRuleResolver replaces the default rule resolver.
func WithRuleResolver(r *RuleResolver) EngineOption {
	return func(e *ResolutionEngine) { e.resolver = r }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *ResolutionEngine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *ResolutionEngine) { e.metrics = m }
}

// WithTracer sets the tracer used for resolution spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *ResolutionEngine) { e.tracer = t }
}

// NewResolutionEngine creates an engine over a fragment registry.
func NewResolutionEngine(registry *FragmentRegistry, opts ...EngineOption) *ResolutionEngine {
	e := &ResolutionEngine{
		registry: registry,
		expander: NewTargetExpander(registry),
		logger:   zerolog.Nop(),
		tracer:   noop.NewTracerProvider().Tracer("froyomake/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewRuleResolver(WithResolverLogger(e.logger))
	}
	return e
}

// Registry returns the fragment registry.
func (e *ResolutionEngine) Registry() *FragmentRegistry {
	return e.registry
}

// Rules returns the rule resolver.
func (e *ResolutionEngine) Rules() *RuleResolver {
	return e.resolver
}

// Expand returns the concrete targets of an entity.
func (e *ResolutionEngine) Expand(c *Configurable) (*TargetSet, error) {
	return e.expander.Expand(c.schema, c.space)
}

// Resolve expands the entity's targets and runs its ordered, filtered
// configure rules against a fresh Configuration per target. The entity's
// identity is locked for the whole pass.
//
// On success every Configuration is frozen and published on the entity,
// replacing any earlier result. On failure nothing is published and the
// previous result stays visible.
//
// ctx carries tracing only; a running pass is not cancelled.
func (e *ResolutionEngine) Resolve(ctx context.Context, c *Configurable) (err error) {
	if c == nil {
		return NewInternalError("cannot resolve a nil entity", nil)
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "entity.resolve", trace.WithAttributes(
		attribute.String("entity.name", c.name),
		attribute.String("entity.type", c.typ.name),
	))
	defer span.End()

	log := e.logger.With().Str("entity", c.name).Str("type", c.typ.name).Logger()
	produced := 0

	defer func() {
		status := "succeeded"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if e.metrics != nil {
				e.metrics.RecordError(string(ClassOf(err)))
			}
			log.Error().Err(err).Msg("Entity resolution failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if e.metrics != nil {
			e.metrics.RecordResolution(c.typ.name, status, time.Since(start), produced)
		}
	}()

	targets, err := e.Expand(c)
	if err != nil {
		return err
	}

	guard, err := c.beginResolution()
	if err != nil {
		return err
	}
	defer guard.Release()

	rules, err := e.resolver.Resolve(c.typ)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.SetRuleCacheEntries(e.resolver.CachedTypes())
	}

	configs := make([]*Configuration, 0, targets.Len())
	for _, t := range targets.Targets() {
		conf, err := e.configure(ctx, c, rules, t)
		if err != nil {
			return err
		}
		configs = append(configs, conf)
	}

	for _, conf := range configs {
		conf.Freeze()
	}
	c.publish(configs)
	produced = len(configs)

	span.SetAttributes(attribute.Int("configurations", produced))
	log.Info().
		Int("configurations", produced).
		Dur("duration", time.Since(start)).
		Msg("Entity resolved")
	return nil
}

// configure runs the rule pass for one target.
func (e *ResolutionEngine) configure(ctx context.Context, c *Configurable, rules *RuleSet, t Target) (*Configuration, error) {
	_, span := e.tracer.Start(ctx, "target.configure", trace.WithAttributes(
		attribute.String("target", t.String()),
	))
	defer span.End()

	conf := newConfiguration(c.name, t)
	applicable := rules.ForTarget(t)

	if e.metrics != nil {
		e.metrics.RecordRules(c.typ.name, len(applicable), len(rules.Rules)-len(applicable))
	}

	for _, rule := range applicable {
		e.logger.Debug().
			Str("entity", c.name).
			Str("target", t.String()).
			Str("rule", rule.String()).
			Int("priority", rule.Priority).
			Msg("Invoking configure rule")

		if err := invokeRule(rule, c, conf, t); err != nil {
			wrapped := NewRuleInvocationError(
				fmt.Sprintf("error executing configure rule %s", rule), err,
			).WithEntity(c.name).
				WithTarget(t.String()).
				WithRule(rule.String()).
				WithDetail("entity_type", c.typ.name).
				WithDetail("declaring_type", rule.DeclaringType.name)
			span.RecordError(wrapped)
			span.SetStatus(codes.Error, "rule failed")
			return nil, wrapped
		}
	}

	span.SetAttributes(attribute.Int("rules", len(applicable)))
	return conf, nil
}

// invokeRule calls a rule body, converting a panic into an error.
func invokeRule(rule *ConfigureRule, c *Configurable, conf *Configuration, t Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Body(c, conf, t)
}
