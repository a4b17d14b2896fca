package engine

import (
	"context"
	"time"
)

// Recorder receives resolution measurements. The telemetry package provides
// a Prometheus-backed implementation.
type Recorder interface {
	// RecordConstruction records a successful constructor call.
	RecordConstruction(component string, duration time.Duration)

	// RecordDeclined records a constructor that reported "not ready".
	RecordDeclined(component string)

	// RecordSweep records one pass of the fixed-point loop.
	RecordSweep(constructed int)

	// RecordCacheOutcome records how cache replay went.
	RecordCacheOutcome(outcome CacheOutcome)

	// RecordResolution records the end of a Resolve call.
	RecordResolution(status ResolutionStatus, duration time.Duration)
}

// EventPublisher publishes resolution timeline events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// nopRecorder discards all measurements.
type nopRecorder struct{}

func (nopRecorder) RecordConstruction(string, time.Duration)         {}
func (nopRecorder) RecordDeclined(string)                            {}
func (nopRecorder) RecordSweep(int)                                  {}
func (nopRecorder) RecordCacheOutcome(CacheOutcome)                  {}
func (nopRecorder) RecordResolution(ResolutionStatus, time.Duration) {}
