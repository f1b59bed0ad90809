// Package telemetry provides logging, tracing, and metrics for froyomake.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus). The engine package does not
// import telemetry; the CLI wires the pieces in with engine options:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.NewResolutionEngine(registry,
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	    engine.WithMetrics(tel.Metrics),
//	    engine.WithTracer(tel.Tracer.OTel()),
//	)
//
// # Structured Logging
//
// Loggers carry resolution context as fields:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithEntity("core", "cpp_library").WithTarget("win64_release").Info("Configuring")
//
// A WarningCounter hook counts warnings, which lets the validate command
// surface redundant rule overrides without failing the run.
//
// # Distributed Tracing
//
// The engine emits entity.resolve and target.configure spans. The CLI wraps a
// batch in a batch.resolve span with WithBatchContext and EndBatchContext.
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics satisfies the engine's MetricsRecorder interface and exposes:
//
//	froyomake_entities_resolved_total{entity_type,status}
//	froyomake_resolution_duration_seconds{entity_type}
//	froyomake_configurations_produced_total{entity_type}
//	froyomake_rules_invoked_total{entity_type}
//	froyomake_rules_skipped_total{entity_type}
//	froyomake_rule_cache_entries
//	froyomake_errors_by_class_total{class}
//	froyomake_batches_completed_total{status}
//	froyomake_policy_violations_total{policy,severity}
//
// The watch command serves them over HTTP via StartMetricsServer.
package telemetry
