package telemetry

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/inittree/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// inittree process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	server *http.Server
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every telemetry component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// EngineOptions returns the tree options that route engine diagnostics of
// one run into this telemetry instance.
func (t *Telemetry) EngineOptions(runID string) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(t.Logger.WithRunID(runID).Zerolog()),
		engine.WithRecorder(t.Metrics),
		engine.WithTracer(t.Tracer.Tracer()),
		engine.WithRunID(runID),
	}
	if t.Config.Events.Enabled {
		opts = append(opts, engine.WithEventPublisher(t.Events))
	}
	return opts
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves /metrics when a listen address is configured.
func (t *Telemetry) StartMetricsServer() error {
	server, err := t.Metrics.StartMetricsServer(t.Logger.Zerolog())
	if err != nil {
		return err
	}
	t.server = server
	return nil
}

// Shutdown drains events, writes the metrics textfile when configured and
// stops the rest in reverse order of creation.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if path := t.Config.Metrics.TextfilePath; path != "" {
		if err := t.Metrics.WriteToTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InstrumentedContext is one traced and timed operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	metrics *Metrics
}

// StartOperation opens a span named operation and a logger carrying its trace
// IDs. Without telemetry in ctx only the timer runs.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{Ctx: ctx, Logger: FromContext(ctx), Timer: NewTimer()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := FromContext(ctx).WithField("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		Timer:   NewTimer(),
		metrics: tel.Metrics,
	}
}

// End closes the operation. A non-nil err is logged at debug level and
// counted by error code.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		ic.Logger.WithError(err).Debugf("operation failed after %s", ic.Timer.Duration())
		if ic.metrics != nil {
			ic.metrics.RecordError(err)
		}
	}
	if ic.Span != nil {
		EndSpan(ic.Span, err)
	}
}

// WithRunContext tags the context logger with a run and publishes the
// run.started event.
func WithRunContext(ctx context.Context, runID, manifest string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	logger := FromContext(ctx).WithRunID(runID).WithManifest(manifest)
	ctx = logger.WithContext(ctx)
	if err := tel.Events.PublishRunStarted(ctx, runID, manifest); err != nil {
		logger.WithError(err).Warn("failed to publish run start")
	}
	return ctx
}
