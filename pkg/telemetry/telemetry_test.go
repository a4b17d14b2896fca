package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/inittree/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"production", func(c *Config) { *c = *ProductionConfig() }, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"missing service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = ""
		}, true},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics path", func(c *Config) {
			c.Metrics.ListenAddress = ":9090"
			c.Metrics.Path = ""
		}, true},
		{"async buffer", func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigApplyEnv(t *testing.T) {
	env := map[string]string{
		"INITTREE_LOG_LEVEL":       "debug",
		"INITTREE_TRACE_EXPORTER":  "otlp",
		"INITTREE_OTLP_ENDPOINT":   "collector:4317",
		"INITTREE_OTLP_HEADERS":    "x-tenant=ops, x-key = abc",
		"INITTREE_TRACE_SAMPLING":  "0.25",
		"INITTREE_ENVIRONMENT":     "staging",
		"INITTREE_METRICS_ADDR":    ":9464",
		"INITTREE_UNRELATED_VALUE": "ignored",
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Environment != "staging" || cfg.Metrics.ListenAddress != ":9464" {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("Expected otlp tracing to collector:4317, got %+v", cfg.Tracing)
	}
	if cfg.Tracing.SamplingRate != 0.25 {
		t.Errorf("Expected sampling rate 0.25, got %f", cfg.Tracing.SamplingRate)
	}
	if cfg.Tracing.Headers["x-tenant"] != "ops" || cfg.Tracing.Headers["x-key"] != "abc" {
		t.Errorf("Unexpected headers %v", cfg.Tracing.Headers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	for key, value := range map[string]string{
		"INITTREE_TRACE_SAMPLING": "often",
		"INITTREE_OTLP_HEADERS":   "novalue",
	} {
		if err := DefaultConfig().ApplyEnv(func(k string) string {
			if k == key {
				return value
			}
			return ""
		}); err == nil {
			t.Errorf("Expected error for %s=%s", key, value)
		}
	}
}

func TestConfigValidateReportsEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = ""
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected error")
	}
	for _, want := range []string{"service name", "log format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "debug"

	logger := NewLoggerWithWriter(cfg, &buf).
		NewComponentLogger("cache").
		WithRunID("run-7").
		WithManifest("app.yaml")
	logger.Debugf("loaded %d steps", 3)

	out := buf.String()
	for _, want := range []string{`"component":"cache"`, `"run_id":"run-7"`, `"manifest":"app.yaml"`, `"loaded 3 steps"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log line to contain %s, got %s", want, out)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Expected info message to be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("Expected warn message to be written")
	}
}

func TestLoggerFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected a disabled logger, got nil")
	}

	l := NewLoggerWithWriter(DefaultConfig().Logging, &bytes.Buffer{})
	ctx := l.WithContext(context.Background())
	if FromContext(ctx) != l {
		t.Error("Expected the stored logger back from the context")
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inittree.log")
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Output = path

	l, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	l.Info("to file")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("Expected log file to contain message, got %q", data)
	}
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m
}

func TestMetricsRecordResolution(t *testing.T) {
	m := newTestMetrics(t)

	ready := false
	build := func(*engine.Handles) (any, bool) { return 1, true }
	gated := func(*engine.Handles) (any, bool) {
		if !ready {
			ready = true
			return nil, false
		}
		return 2, true
	}

	tree := engine.NewTree(nil, engine.WithRecorder(m), engine.WithCaching(true))
	if err := tree.Register(engine.NewDescriptor("a", "A", nil, build)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := tree.Register(engine.NewDescriptor("b", "B", []engine.Identity{"a"}, gated)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := tree.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("Expected 1 succeeded resolution, got %v", got)
	}
	if got := testutil.ToFloat64(m.constructions.WithLabelValues("A")); got != 1 {
		t.Errorf("Expected A constructed once, got %v", got)
	}
	if got := testutil.ToFloat64(m.declines.WithLabelValues("B")); got != 1 {
		t.Errorf("Expected B declined once, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheOutcomes.WithLabelValues(string(engine.CacheOutcomeAbsent))); got != 1 {
		t.Errorf("Expected one absent cache outcome, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweeps); got < 2 {
		t.Errorf("Expected at least 2 sweeps, got %v", got)
	}
}

func TestMetricsRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError(engine.ErrUnresolvedDependencies)
	m.RecordError(errors.New("plain"))
	m.RecordError(nil)

	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("permanent", engine.ErrCodeUnresolved)); got != 1 {
		t.Errorf("Expected 1 unresolved error, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("unknown", "")); got != 1 {
		t.Errorf("Expected 1 unknown error, got %v", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// None of these may panic on a disabled instance.
	m.RecordConstruction("x", time.Millisecond)
	m.RecordDeclined("x")
	m.RecordSweep(1)
	m.RecordCacheOutcome(engine.CacheOutcomeHit)
	m.RecordResolution(engine.ResolutionStatusFailed, time.Second)
	m.RecordError(engine.ErrNotFound)
	m.RecordPolicyViolation("p", "error")

	if m.Registry() != nil {
		t.Error("Expected nil registry for disabled metrics")
	}
	if err := m.WriteToTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestMetricsWriteToTextfile(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordPolicyViolation("no-missing", "error")

	path := filepath.Join(t.TempDir(), "inittree.prom")
	if err := m.WriteToTextfile(path); err != nil {
		t.Fatalf("WriteToTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `inittree_policy_violations_total{policy="no-missing",severity="error"} 1`) {
		t.Errorf("Expected policy violation sample, got:\n%s", data)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var all, warnings []engine.Event
	ep.Subscribe(func(e engine.Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e engine.Event) { warnings = append(warnings, e) }, FilterByLevel(EventLevelWarning))
	ep.AddFilter(FilterByRunID("run-1"))

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeComponentConstructed, RunID: "run-1", Component: "a"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeComponentDeclined, RunID: "run-1", Component: "b"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeComponentConstructed, RunID: "run-2", Component: "c"})

	if len(all) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(all))
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be filled in")
	}
	if all[1].Level != EventLevelWarning {
		t.Errorf("Expected declined level %s, got %s", EventLevelWarning, all[1].Level)
	}
	if len(warnings) != 1 || warnings[0].Component != "b" {
		t.Errorf("Expected only the declined event, got %v", warnings)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []engine.Identity
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		got = append(got, e.Component)
		mu.Unlock()
	}, FilterByComponent("keep"))

	for i := 0; i < 5; i++ {
		if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeComponentConstructed, Component: "keep"}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeComponentConstructed, Component: "drop"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Errorf("Expected 5 delivered events, got %d", len(got))
	}

	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeCacheReplayed}); err == nil {
		t.Error("Expected error publishing after shutdown")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeCacheReplayed}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestTracerExporters(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	tr, err := NewTracerWithWriter(cfg, "inittree", "test", "test", &buf)
	if err != nil {
		t.Fatalf("NewTracerWithWriter failed: %v", err)
	}

	ctx, span := tr.StartPhaseSpan(context.Background(), "load", "run-9")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace ID on the span context")
	}
	EndSpan(span, nil)

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !strings.Contains(buf.String(), "inittree.load") {
		t.Errorf("Expected exported span name, got %s", buf.String())
	}

	cfg.Exporter = "zipkin"
	if _, err := NewTracerWithWriter(cfg, "inittree", "test", "test", &buf); err == nil {
		t.Error("Expected error for unsupported exporter")
	}
}

func TestTelemetryEngineOptions(t *testing.T) {
	cfg := DefaultConfig()
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var types []engine.EventType
	tel.Events.Subscribe(func(e engine.Event) {
		if e.RunID != "run-42" {
			t.Errorf("Expected run ID run-42, got %q", e.RunID)
		}
		types = append(types, e.Type)
	}, nil)

	build := func(*engine.Handles) (any, bool) { return 0, true }
	tree := engine.NewTree(nil, tel.EngineOptions("run-42")...)
	if err := tree.Register(engine.NewDescriptor("x", "X", nil, build)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := tree.Resolve(tel.WithContext(context.Background())); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(types) != 2 || types[1] != engine.EventTypeResolutionCompleted {
		t.Errorf("Expected [constructed completed], got %v", types)
	}
	if got := testutil.ToFloat64(tel.Metrics.constructions.WithLabelValues("X")); got != 1 {
		t.Errorf("Expected X constructed once, got %v", got)
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "noop")
	if op.Span != nil {
		t.Error("Expected no span without telemetry in context")
	}
	op.End(errors.New("ignored"))
}
