package engine

import (
	"encoding/json"
	"fmt"
)

// ResolutionStatus represents the outcome of a Resolve call.
type ResolutionStatus string

const (
	// ResolutionStatusPending indicates registration is still open.
	ResolutionStatusPending ResolutionStatus = "pending"

	// ResolutionStatusSucceeded indicates every pending descriptor was constructed.
	ResolutionStatusSucceeded ResolutionStatus = "succeeded"

	// ResolutionStatusFailed indicates resolution stopped with a fatal error.
	ResolutionStatusFailed ResolutionStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s ResolutionStatus) IsTerminal() bool {
	return s == ResolutionStatusSucceeded || s == ResolutionStatusFailed
}

// Validate checks if the status is valid.
func (s ResolutionStatus) Validate() error {
	switch s {
	case ResolutionStatusPending, ResolutionStatusSucceeded, ResolutionStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid resolution status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s ResolutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ResolutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ResolutionStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// CacheOutcome describes what happened to a loaded cache during Resolve.
type CacheOutcome string

const (
	// CacheOutcomeDisabled indicates caching was off.
	CacheOutcomeDisabled CacheOutcome = "disabled"

	// CacheOutcomeAbsent indicates caching was on but no usable cache was loaded.
	CacheOutcomeAbsent CacheOutcome = "absent"

	// CacheOutcomeHit indicates every replayed step succeeded and nothing was left pending.
	CacheOutcomeHit CacheOutcome = "hit"

	// CacheOutcomeInvalidated indicates replay diverged and the full sweep took over.
	CacheOutcomeInvalidated CacheOutcome = "invalidated"
)

// EventType represents the type of a resolution timeline event.
type EventType string

const (
	EventTypeComponentConstructed EventType = "component.constructed"
	EventTypeComponentDeclined    EventType = "component.declined"
	EventTypeCacheReplayed        EventType = "cache.replayed"
	EventTypeCacheInvalidated     EventType = "cache.invalidated"
	EventTypeResolutionCompleted  EventType = "resolution.completed"
	EventTypeResolutionFailed     EventType = "resolution.failed"
)

// Severity returns the severity level for this event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeResolutionFailed:
		return "error"
	case EventTypeCacheInvalidated, EventTypeComponentDeclined:
		return "warning"
	default:
		return "info"
	}
}
