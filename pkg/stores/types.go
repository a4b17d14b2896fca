package stores

import (
	"context"
	"time"

	"github.com/openfroyo/inittree/pkg/engine"
)

// CacheRecord is a persisted resolution cache. Only the construction order
// is stored, never component instances.
type CacheRecord struct {
	Key         string        `json:"key"`
	Fingerprint string        `json:"fingerprint"` // Tree.Fingerprint at save time
	Cache       *engine.Cache `json:"cache"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Matches reports whether the record was saved for a graph with the given
// fingerprint. A mismatched cache is still safe to replay; it just will not
// be correct.
func (r *CacheRecord) Matches(fingerprint string) bool {
	return r != nil && r.Fingerprint == fingerprint
}

// Run represents one resolution run.
type Run struct {
	ID           string                  `json:"id"`
	Manifest     string                  `json:"manifest"`
	Fingerprint  string                  `json:"fingerprint"`
	CacheKey     *string                 `json:"cache_key,omitempty"`
	Status       engine.ResolutionStatus `json:"status"`
	Constructed  int                     `json:"constructed"`
	CacheOutcome engine.CacheOutcome     `json:"cache_outcome"`
	CacheCorrect bool                    `json:"cache_correct"`
	ErrorCode    *string                 `json:"error_code,omitempty"`
	Error        *string                 `json:"error,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	DurationMS   int64                   `json:"duration_ms"`
}

// RunOutcome carries what is known when a run finishes.
type RunOutcome struct {
	Status       engine.ResolutionStatus
	Constructed  int
	CacheOutcome engine.CacheOutcome
	CacheCorrect bool
	Err          error
	Duration     time.Duration
}

// Event is a persisted timeline event.
type Event struct {
	ID        string    `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	Component string    `json:"component,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// CacheStore persists resolution caches by key.
type CacheStore interface {
	GetCache(ctx context.Context, key string) (*CacheRecord, error)
	PutCache(ctx context.Context, rec *CacheRecord) error
	DeleteCache(ctx context.Context, key string) error
	ListCaches(ctx context.Context) ([]*CacheRecord, error)
}

// Store defines the interface for the persistence layer
type Store interface {
	CacheStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, outcome RunOutcome) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
