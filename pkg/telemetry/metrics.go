package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for resolution runs. A Metrics built
// from a disabled config accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Resolution metrics
	entitiesResolved       *prometheus.CounterVec
	resolutionDuration     *prometheus.HistogramVec
	configurationsProduced *prometheus.CounterVec
	activeResolutions      prometheus.Gauge

	// Rule metrics
	rulesInvoked     *prometheus.CounterVec
	rulesSkipped     *prometheus.CounterVec
	ruleCacheEntries prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Batch metrics
	batchesCompleted *prometheus.CounterVec
	batchDuration    prometheus.Histogram

	// Policy metrics
	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		entitiesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_resolved_total",
				Help:      "Total number of entity resolutions by outcome",
			},
			[]string{"entity_type", "status"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of a single entity resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"entity_type"},
		),
		configurationsProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "configurations_produced_total",
				Help:      "Total number of frozen configurations published",
			},
			[]string{"entity_type"},
		),
		activeResolutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_resolutions",
				Help:      "Current number of entities being resolved",
			},
		),

		rulesInvoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_invoked_total",
				Help:      "Total number of configure rule invocations",
			},
			[]string{"entity_type"},
		),
		rulesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_skipped_total",
				Help:      "Total number of configure rules skipped by their filter",
			},
			[]string{"entity_type"},
		),
		ruleCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rule_cache_entries",
				Help:      "Number of entity types with a cached rule list",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		batchesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_completed_total",
				Help:      "Total number of resolution batches completed",
			},
			[]string{"status"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of a resolution batch in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by severity",
			},
			[]string{"policy", "severity"},
		),
	}

	registry.MustRegister(
		m.entitiesResolved,
		m.resolutionDuration,
		m.configurationsProduced,
		m.activeResolutions,
		m.rulesInvoked,
		m.rulesSkipped,
		m.ruleCacheEntries,
		m.errorsByClass,
		m.batchesCompleted,
		m.batchDuration,
		m.policyViolations,
	)

	return m, nil
}

// Resolution Metrics

// RecordResolution records the outcome of one entity resolution.
func (m *Metrics) RecordResolution(entityType, status string, duration time.Duration, configurations int) {
	if m.entitiesResolved == nil {
		return
	}
	m.entitiesResolved.WithLabelValues(entityType, status).Inc()
	m.resolutionDuration.WithLabelValues(entityType).Observe(duration.Seconds())
	if configurations > 0 {
		m.configurationsProduced.WithLabelValues(entityType).Add(float64(configurations))
	}
}

// ResolutionStarted increments the active resolution gauge. Callers pair it
// with ResolutionFinished.
func (m *Metrics) ResolutionStarted() {
	if m.activeResolutions == nil {
		return
	}
	m.activeResolutions.Inc()
}

// ResolutionFinished decrements the active resolution gauge.
func (m *Metrics) ResolutionFinished() {
	if m.activeResolutions == nil {
		return
	}
	m.activeResolutions.Dec()
}

// Rule Metrics

// RecordRules records rule invocations for one target.
func (m *Metrics) RecordRules(entityType string, invoked, skipped int) {
	if m.rulesInvoked == nil {
		return
	}
	m.rulesInvoked.WithLabelValues(entityType).Add(float64(invoked))
	m.rulesSkipped.WithLabelValues(entityType).Add(float64(skipped))
}

// SetRuleCacheEntries sets the number of cached rule lists.
func (m *Metrics) SetRuleCacheEntries(n int) {
	if m.ruleCacheEntries == nil {
		return
	}
	m.ruleCacheEntries.Set(float64(n))
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Batch Metrics

// RecordBatch records a completed ResolveAll batch.
func (m *Metrics) RecordBatch(status string, duration time.Duration) {
	if m.batchesCompleted == nil {
		return
	}
	m.batchesCompleted.WithLabelValues(status).Inc()
	m.batchDuration.Observe(duration.Seconds())
}

// Policy Metrics

// RecordPolicyViolation records a single policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the configured listen address and serves metrics
// until ctx is cancelled. Bind errors are returned immediately.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			FromContext(ctx).WithError(err).Error("Metrics server stopped")
		}
	}()

	return nil
}
