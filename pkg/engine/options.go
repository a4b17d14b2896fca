package engine

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/inittree/pkg/engine"

// Option configures a Tree.
type Option func(*treeConfig)

type treeConfig struct {
	maxDepth  int
	logger    zerolog.Logger
	recorder  Recorder
	publisher EventPublisher
	tracer    trace.Tracer
	caching   bool
	runID     string
}

func defaultTreeConfig() treeConfig {
	return treeConfig{
		maxDepth: DefaultMaxDepth,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
}

// WithMaxDepth sets the dependency chain ceiling. Values below 1 keep the default.
func WithMaxDepth(n int) Option {
	return func(c *treeConfig) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *treeConfig) {
		c.logger = logger.With().Str("component", "inittree").Logger()
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *treeConfig) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithEventPublisher sets the publisher that receives timeline events.
func WithEventPublisher(p EventPublisher) Option {
	return func(c *treeConfig) {
		c.publisher = p
	}
}

// WithTracer sets the tracer used for resolution spans. The default is the
// global otel tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *treeConfig) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithCaching turns resolution-order caching on or off.
func WithCaching(enabled bool) Option {
	return func(c *treeConfig) {
		c.caching = enabled
	}
}

// WithRunID tags every published event with a run ID.
func WithRunID(id string) Option {
	return func(c *treeConfig) {
		c.runID = id
	}
}
