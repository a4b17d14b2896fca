package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/inittree/pkg/engine"
)

// Metrics provides Prometheus metrics for resolution runs. It implements
// engine.Recorder.
type Metrics struct {
	config MetricsConfig

	// Resolution metrics
	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec

	// Component metrics
	constructions        *prometheus.CounterVec
	constructionDuration *prometheus.HistogramVec
	declines             *prometheus.CounterVec

	// Sweep and cache metrics
	sweeps        prometheus.Counter
	sweepProgress prometheus.Histogram
	cacheOutcomes *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of resolutions by outcome",
			},
			[]string{"status"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of resolutions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		constructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "constructions_total",
				Help:      "Total number of components constructed",
			},
			[]string{"component"},
		),
		constructionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "construction_duration_seconds",
				Help:      "Duration of constructor calls in seconds",
				Buckets:   buckets,
			},
			[]string{"component"},
		),
		declines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "declines_total",
				Help:      "Total number of constructor calls that reported not ready",
			},
			[]string{"component"},
		),

		sweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Total number of fixed-point sweeps",
			},
		),
		sweepProgress: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_constructed",
				Help:      "Components constructed per sweep",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		cacheOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_outcomes_total",
				Help:      "Resolution cache outcomes",
			},
			[]string{"outcome"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations",
			},
			[]string{"policy", "severity"},
		),
	}

	registry.MustRegister(
		m.resolutions,
		m.resolutionDuration,
		m.constructions,
		m.constructionDuration,
		m.declines,
		m.sweeps,
		m.sweepProgress,
		m.cacheOutcomes,
		m.errorsByCode,
		m.policyViolations,
	)

	return m, nil
}

// RecordConstruction records a successful constructor call.
func (m *Metrics) RecordConstruction(component string, duration time.Duration) {
	if m.constructions == nil {
		return
	}
	m.constructions.WithLabelValues(component).Inc()
	m.constructionDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordDeclined records a constructor that reported "not ready".
func (m *Metrics) RecordDeclined(component string) {
	if m.declines == nil {
		return
	}
	m.declines.WithLabelValues(component).Inc()
}

// RecordSweep records one fixed-point pass.
func (m *Metrics) RecordSweep(constructed int) {
	if m.sweeps == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepProgress.Observe(float64(constructed))
}

// RecordCacheOutcome records how cache replay went.
func (m *Metrics) RecordCacheOutcome(outcome engine.CacheOutcome) {
	if m.cacheOutcomes == nil {
		return
	}
	m.cacheOutcomes.WithLabelValues(string(outcome)).Inc()
}

// RecordResolution records the end of a resolution.
func (m *Metrics) RecordResolution(status engine.ResolutionStatus, duration time.Duration) {
	if m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(string(status)).Inc()
	m.resolutionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordError records an error by class and code. Errors that are not
// engine errors are counted as "unknown".
func (m *Metrics) RecordError(err error) {
	if m.errorsByCode == nil || err == nil {
		return
	}
	class, code := "unknown", ""
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		class, code = string(engErr.Class), engErr.Code
	}
	m.errorsByCode.WithLabelValues(class, code).Inc()
}

// RecordPolicyViolation records a policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteToTextfile writes every metric to path in the text exposition format,
// for collection by the node exporter.
func (m *Metrics) WriteToTextfile(path string) error {
	if m.registry == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics. It returns
// nil without starting anything when no listen address is configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) (*http.Server, error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	return server, nil
}
