package stores

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/inittree/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "inittree.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// Migrating twice is a no-op.
	for i := 0; i < 2; i++ {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migration %d failed: %v", i, err)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"caches", "runs", "events"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestCacheCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &CacheRecord{
		Key:         "app",
		Fingerprint: "abc",
		Cache:       engine.NewCache([]int{2, 0, 1, 0}),
	}
	if err := store.PutCache(ctx, rec); err != nil {
		t.Fatalf("failed to put cache: %v", err)
	}

	got, err := store.GetCache(ctx, "app")
	if err != nil {
		t.Fatalf("failed to get cache: %v", err)
	}
	if !reflect.DeepEqual(got.Cache.Steps(), []int{2, 0, 1, 0}) {
		t.Errorf("expected steps [2 0 1 0], got %v", got.Cache.Steps())
	}
	if !got.Matches("abc") || got.Matches("other") {
		t.Errorf("expected fingerprint abc, got %s", got.Fingerprint)
	}

	// Overwrite keeps the creation time.
	created := got.CreatedAt
	rec.Cache = engine.NewCache([]int{0})
	rec.Fingerprint = "def"
	if err := store.PutCache(ctx, rec); err != nil {
		t.Fatalf("failed to overwrite cache: %v", err)
	}
	got, err = store.GetCache(ctx, "app")
	if err != nil {
		t.Fatalf("failed to get cache: %v", err)
	}
	if got.Cache.Len() != 1 || got.Fingerprint != "def" {
		t.Errorf("expected overwritten cache, got %v / %s", got.Cache.Steps(), got.Fingerprint)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v to survive overwrite, got %v", created, got.CreatedAt)
	}

	if err := store.PutCache(ctx, &CacheRecord{Key: "b", Cache: engine.NewCache(nil)}); err != nil {
		t.Fatalf("failed to put cache: %v", err)
	}
	list, err := store.ListCaches(ctx)
	if err != nil {
		t.Fatalf("failed to list caches: %v", err)
	}
	if len(list) != 2 || list[0].Key != "app" || list[1].Key != "b" {
		t.Errorf("expected [app b], got %d records", len(list))
	}

	if err := store.DeleteCache(ctx, "app"); err != nil {
		t.Fatalf("failed to delete cache: %v", err)
	}
	if _, err := store.GetCache(ctx, "app"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteCache(ctx, "app"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected not found deleting twice, got %v", err)
	}
}

func TestCachePutRejectsEmpty(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  *CacheRecord
	}{
		{"nil record", nil},
		{"no key", &CacheRecord{Cache: engine.NewCache(nil)}},
		{"no cache", &CacheRecord{Key: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.PutCache(ctx, tt.rec); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestUnknownCacheVersionSurvives(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	future, err := engine.DecodeCache([]byte(`{"version":9,"order":"elsewhere"}`))
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if err := store.PutCache(ctx, &CacheRecord{Key: "future", Cache: future}); err != nil {
		t.Fatalf("failed to put cache: %v", err)
	}

	got, err := store.GetCache(ctx, "future")
	if err != nil {
		t.Fatalf("failed to get cache: %v", err)
	}
	if got.Cache.Usable() {
		t.Error("expected unknown version to stay unusable")
	}
	if got.Cache.Version() != 9 {
		t.Errorf("expected version 9, got %d", got.Cache.Version())
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key := "app"
	run := &Run{Manifest: "app.yaml", Fingerprint: "abc", CacheKey: &key}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected a generated run ID")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.ResolutionStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.CacheOutcome != engine.CacheOutcomeDisabled {
		t.Errorf("expected disabled cache outcome, got %s", got.CacheOutcome)
	}
	if got.CacheKey == nil || *got.CacheKey != "app" {
		t.Errorf("expected cache key app, got %v", got.CacheKey)
	}

	failure := engine.ErrUnresolvedDependencies
	err = store.CompleteRun(ctx, run.ID, RunOutcome{
		Status:       engine.ResolutionStatusFailed,
		Constructed:  3,
		CacheOutcome: engine.CacheOutcomeInvalidated,
		Err:          failure,
		Duration:     1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.ResolutionStatusFailed || got.Constructed != 3 {
		t.Errorf("expected failed with 3 constructed, got %s with %d", got.Status, got.Constructed)
	}
	if got.ErrorCode == nil || *got.ErrorCode != engine.ErrCodeUnresolved {
		t.Errorf("expected error code %s, got %v", engine.ErrCodeUnresolved, got.ErrorCode)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if got.DurationMS != 1500 {
		t.Errorf("expected 1500ms, got %d", got.DurationMS)
	}

	if err := store.CompleteRun(ctx, run.ID, RunOutcome{Status: engine.ResolutionStatusPending}); err == nil {
		t.Error("expected error completing with a non-terminal status")
	}
	if err := store.CompleteRun(ctx, "missing", RunOutcome{Status: engine.ResolutionStatusSucceeded}); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		run := &Run{ID: id, Manifest: "m", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "third" || runs[1].ID != "second" {
		t.Errorf("expected [third second], got %d runs", len(runs))
	}

	runs, err = store.ListRuns(ctx, 10, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "first" {
		t.Errorf("expected [first] at offset 2, got %d runs", len(runs))
	}
}

func TestEventsCascadeWithRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ID: "run-1", Manifest: "m"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, e := range []engine.Event{
		{Type: engine.EventTypeComponentConstructed, RunID: "run-1", Component: "a", Message: "built a"},
		{Type: engine.EventTypeComponentDeclined, RunID: "run-1", Component: "b", Message: "b not ready"},
		{Type: engine.EventTypeResolutionCompleted, RunID: "run-1", Details: map[string]interface{}{"constructed": 2}},
	} {
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		ev, err := NewEvent(e)
		if err != nil {
			t.Fatalf("NewEvent failed: %v", err)
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	runID := "run-1"
	events, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Component != "a" || events[2].Type != string(engine.EventTypeResolutionCompleted) {
		t.Errorf("expected timeline order, got %s then %s", events[0].Component, events[2].Type)
	}
	if events[2].Details == nil || *events[2].Details != `{"constructed":2}` {
		t.Errorf("expected details JSON, got %v", events[2].Details)
	}

	warning := "warning"
	warnings, err := store.GetEvents(ctx, nil, &warning, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Component != "b" {
		t.Errorf("expected the declined event only, got %d", len(warnings))
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	events, err = store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events to cascade with their run, got %d", len(events))
	}
}

func TestAppendEventUnknownRun(t *testing.T) {
	store := setupTestStore(t)

	runID := "ghost"
	err := store.AppendEvent(context.Background(), &Event{RunID: &runID, Type: "x", Level: "info", Message: "m"})
	if err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}
