// Package telemetry provides the observability stack for Dockyard: structured
// logging (zerolog), metrics (Prometheus) and distributed tracing
// (OpenTelemetry).
//
// # Logging
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	orch := engine.NewOrchestrator(deps, lifecycle, logger.Zerolog())
//
// Components narrow the injected logger with a "component" field. The level
// is process wide; Logger.SetLevel changes it at runtime, which is how the
// config watcher applies a new logging.level.
//
// # Metrics
//
// Metrics implements engine.Recorder. The HTTP server mounts Handler on the
// configured path. Exposed series (namespace "dockyard" by default):
//
//   - lifecycle_operations_total{operation,result}
//   - lifecycle_operation_duration_seconds{operation,kind}
//   - resources_by_status{status}
//   - server_checks_total{result}
//   - stuck_deployments_reclaimed_total
//   - http_requests_total{method,route,code}
//
// A disabled MetricsConfig yields a Metrics whose methods are no-ops.
//
// # Tracing
//
// NewTracer installs a global provider, so the spans the engine starts for
// each lifecycle operation and server connectivity check are exported through the
// configured exporter (otlp over gRPC, stdout, or none).
package telemetry
