// Package telemetry provides observability instrumentation for inittree.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing, and plugs all
// of them into an engine.Tree through EngineOptions.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	tree := engine.NewTree(catalog, tel.EngineOptions(runID)...)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("cache")
//	logger = logger.WithRunID("run-123").WithManifest("app.yaml")
//	logger.Info("Loaded cache")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Exporters: otlp (gRPC), stdout, none. The engine opens an
// "inittree.resolve" span on the tracer returned by Tracer.Tracer; command
// phases use StartPhaseSpan or StartOperation.
//
// # Metrics
//
// Metrics implements engine.Recorder. All metrics live in a private registry
// under the configured namespace:
//
//   - resolutions_total{status}, resolution_duration_seconds{status}
//   - constructions_total{component}, construction_duration_seconds{component}
//   - declines_total{component}
//   - sweeps_total, sweep_constructed
//   - cache_outcomes_total{outcome}
//   - errors_total{class,code}
//   - policy_violations_total{policy,severity}
//
// Metrics are exposed over HTTP when ListenAddress is set, or written to a
// node-exporter textfile at shutdown when TextfilePath is set.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive events
// in subscription order, optionally behind filters:
//
//	tel.Events.Subscribe(func(e engine.Event) {
//	    fmt.Println(e.Type, e.Component)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// In async mode events are queued in a bounded buffer and delivered from a
// background goroutine; Shutdown delivers whatever is still queued.
package telemetry
