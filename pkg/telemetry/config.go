package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config is the telemetry configuration for one inittree process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // free-form, also reported to policies

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error, fatal
	Format string // console or json
	Output string // stdout, stderr or a file path

	// EnableCaller adds file:line to every entry.
	EnableCaller bool

	// Sampling keeps SamplingInitial entries per second, then every
	// SamplingThereafter-th one.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	TimeFormat string // unix, unixms or rfc3339
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none
	Endpoint string // OTLP gRPC collector, e.g. localhost:4317

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers and Insecure apply to the OTLP exporter only.
	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path over HTTP when set.
	ListenAddress string
	Path          string

	// TextfilePath receives a node-exporter textfile dump at shutdown.
	TextfilePath string

	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// EnableAsync delivers from a goroutine fed by a BufferSize channel.
	// Synchronous delivery keeps subscribers in publish order.
	EnableAsync bool
	BufferSize  int
}

var (
	validLevels    = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	validFormats   = []string{"console", "json"}
	validExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "inittree",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Endpoint:           "localhost:4317",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "inittree",
			// Constructions are usually sub-millisecond.
			DefaultHistogramBuckets: []float64{
				0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
	}
}

// ProductionConfig logs JSON and exports a tenth of traces over OTLP.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug level and prints every span to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// ApplyEnv overrides settings from INITTREE_* variables looked up with
// getenv. Unset variables leave the current value alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("INITTREE_ENVIRONMENT", &c.Environment)
	set("INITTREE_LOG_LEVEL", &c.Logging.Level)
	set("INITTREE_LOG_FORMAT", &c.Logging.Format)
	set("INITTREE_LOG_OUTPUT", &c.Logging.Output)
	set("INITTREE_TRACE_EXPORTER", &c.Tracing.Exporter)
	set("INITTREE_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	set("INITTREE_METRICS_ADDR", &c.Metrics.ListenAddress)

	if v := getenv("INITTREE_TRACE_EXPORTER"); v != "" {
		c.Tracing.Enabled = v != "none"
	}
	if v := getenv("INITTREE_TRACE_SAMPLING"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("INITTREE_TRACE_SAMPLING: %w", err)
		}
		c.Tracing.SamplingRate = rate
	}
	if v := getenv("INITTREE_OTLP_HEADERS"); v != "" {
		if c.Tracing.Headers == nil {
			c.Tracing.Headers = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			k, val, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("INITTREE_OTLP_HEADERS: expected key=value, got %q", pair)
			}
			c.Tracing.Headers[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...interface{}) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName == "", "service name is required")
	check(c.ServiceVersion == "", "service version is required")

	check(!slices.Contains(validLevels, c.Logging.Level), "invalid log level: %s", c.Logging.Level)
	check(!slices.Contains(validFormats, c.Logging.Format),
		"invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)

	if c.Tracing.Enabled {
		check(!slices.Contains(validExporters, c.Tracing.Exporter), "invalid trace exporter: %s", c.Tracing.Exporter)
		check(c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "", "otlp exporter requires an endpoint")
	}
	check(c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1,
		"trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)

	check(c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "",
		"metrics path is required when a listen address is set")

	check(c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0,
		"event buffer size must be positive, got: %d", c.Events.BufferSize)

	return errors.Join(errs...)
}
