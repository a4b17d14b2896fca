package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/inittree/pkg/engine"
)

// Event types published by the command layer around a resolution.
const (
	EventTypeRunStarted      engine.EventType = "run.started"
	EventTypePolicyViolation engine.EventType = "policy.violation"
	EventTypeCacheStored     engine.EventType = "cache.stored"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevels = []string{EventLevelInfo, EventLevelWarning, EventLevelError}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber receives delivered events.
type EventSubscriber func(event engine.Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event engine.Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans resolution events out to subscribers in subscription
// order. It implements engine.EventPublisher.
//
// Synchronous delivery runs subscribers inside Publish. Async delivery queues
// events for a single goroutine, so order is still preserved.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter

	queue    chan engine.Event
	stopped  chan struct{}
	drained  chan struct{}
	stopOnce sync.Once
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher. A disabled publisher drops every
// event without error.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg, stopped: make(chan struct{})}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep.queue = make(chan engine.Event, cfg.BufferSize)
	ep.drained = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Publish fills in a missing ID, timestamp and level, then delivers the
// event. In async mode a full queue drops the event and returns an error.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.cfg.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = e.Type.Severity()
	}
	if !ep.accept(e) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(e)
		return nil
	}

	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", e.Type)
	}
}

// PublishRunStarted publishes the start of a run.
func (ep *EventPublisher) PublishRunStarted(ctx context.Context, runID, manifest string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("Run %s started for %s", runID, manifest),
		Details: map[string]interface{}{"manifest": manifest},
	})
}

// PublishPolicyViolation publishes a policy finding. component is empty for
// findings about the manifest as a whole.
func (ep *EventPublisher) PublishPolicyViolation(ctx context.Context, runID string, component engine.Identity, policyName, reason string) error {
	target := string(component)
	if target == "" {
		target = "manifest"
	}
	return ep.Publish(ctx, &engine.Event{
		Type:      EventTypePolicyViolation,
		RunID:     runID,
		Component: component,
		Level:     EventLevelError,
		Message:   fmt.Sprintf("Policy %s violated by %s: %s", policyName, target, reason),
		Details:   map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// PublishCacheStored publishes that a construction order was persisted.
func (ep *EventPublisher) PublishCacheStored(ctx context.Context, runID, key string, steps int) error {
	return ep.Publish(ctx, &engine.Event{
		Type:    EventTypeCacheStored,
		RunID:   runID,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("Cache %s stored with %d steps", key, steps),
		Details: map[string]interface{}{"key": key, "steps": steps},
	})
}

// Subscribe registers fn. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter registers a filter applied before any subscriber sees an event.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) accept(e engine.Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) deliver(e engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// run delivers queued events until Shutdown, then flushes the queue.
func (ep *EventPublisher) run() {
	defer close(ep.drained)
	for {
		select {
		case e := <-ep.queue:
			ep.deliver(e)
		case <-ep.stopped:
			for {
				select {
				case e := <-ep.queue:
					ep.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.stopped) })
	if ep.drained == nil {
		return nil
	}
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := slices.Index(eventLevels, minLevel)
	return func(e engine.Event) bool {
		return slices.Index(eventLevels, e.Level) >= floor
	}
}

// FilterByType accepts the listed event types.
func FilterByType(types ...engine.EventType) EventFilter {
	return func(e engine.Event) bool {
		return slices.Contains(types, e.Type)
	}
}

// FilterByRunID accepts events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(e engine.Event) bool { return e.RunID == runID }
}

// FilterByComponent accepts events about one component.
func FilterByComponent(id engine.Identity) EventFilter {
	return func(e engine.Event) bool { return e.Component == id }
}
