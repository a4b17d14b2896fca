package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/inittree/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
	Logger          *zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "stores").Str("path", cfg.Path).Logger(),
	}, nil
}

// dsn builds a modernc.org/sqlite connection string.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return "file:" + s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Msg("Database opened")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug().Uint("version", version).Bool("dirty", dirty).Msg("Schema migrated")
	}
	return nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

// GetCache retrieves a cache by key. A missing key returns an error matching
// engine.ErrNotFound.
func (s *SQLiteStore) GetCache(ctx context.Context, key string) (*CacheRecord, error) {
	query := `
		SELECT key, fingerprint, data, created_at, updated_at
		FROM caches
		WHERE key = ?
	`

	rec := &CacheRecord{}
	var data string
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&rec.Fingerprint,
		&data,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, notFound("cache", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}

	rec.Cache, err = engine.DecodeCache([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache %s: %w", key, err)
	}

	return rec, nil
}

// PutCache inserts or replaces the cache stored under rec.Key.
func (s *SQLiteStore) PutCache(ctx context.Context, rec *CacheRecord) error {
	if rec == nil || rec.Key == "" {
		return fmt.Errorf("cache key is required")
	}

	data, err := engine.EncodeCache(rec.Cache)
	if err != nil {
		return fmt.Errorf("failed to encode cache %s: %w", rec.Key, err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO caches (key, fingerprint, version, steps, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			version = excluded.version,
			steps = excluded.steps,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.Key,
		rec.Fingerprint,
		int(rec.Cache.Version()),
		rec.Cache.Len(),
		string(data),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put cache: %w", err)
	}

	s.logger.Debug().Str("key", rec.Key).Int("steps", rec.Cache.Len()).Msg("Cache stored")
	return nil
}

// DeleteCache deletes the cache stored under key.
func (s *SQLiteStore) DeleteCache(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM caches WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("cache", key)
	}

	return nil
}

// ListCaches lists every stored cache ordered by key.
func (s *SQLiteStore) ListCaches(ctx context.Context) ([]*CacheRecord, error) {
	query := `
		SELECT key, fingerprint, data, created_at, updated_at
		FROM caches
		ORDER BY key ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	recs := []*CacheRecord{}
	for rows.Next() {
		rec := &CacheRecord{}
		var data string
		if err := rows.Scan(&rec.Key, &rec.Fingerprint, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache: %w", err)
		}
		if rec.Cache, err = engine.DecodeCache([]byte(data)); err != nil {
			return nil, fmt.Errorf("failed to decode cache %s: %w", rec.Key, err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating caches: %w", err)
	}

	return recs, nil
}

// CreateRun creates a new run record. An empty ID is filled with a UUID.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = engine.ResolutionStatusPending
	}
	if run.CacheOutcome == "" {
		run.CacheOutcome = engine.CacheOutcomeDisabled
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := run.Status.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO runs (
			id, manifest, fingerprint, cache_key, status, constructed,
			cache_outcome, cache_correct, error_code, error,
			started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Manifest,
		run.Fingerprint,
		run.CacheKey,
		run.Status,
		run.Constructed,
		run.CacheOutcome,
		run.CacheCorrect,
		run.ErrorCode,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
		run.DurationMS,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, manifest, fingerprint, cache_key, status, constructed,
	cache_outcome, cache_correct, error_code, error,
	started_at, completed_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Manifest,
		&run.Fingerprint,
		&run.CacheKey,
		&run.Status,
		&run.Constructed,
		&run.CacheOutcome,
		&run.CacheCorrect,
		&run.ErrorCode,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMS,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun records the outcome of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, outcome RunOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("run %s cannot complete with status %q", id, outcome.Status)
	}

	var errMsg, errCode *string
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		errMsg = &msg
		var engErr *engine.EngineError
		if errors.As(outcome.Err, &engErr) && engErr.Code != "" {
			code := engErr.Code
			errCode = &code
		}
	}
	cacheOutcome := outcome.CacheOutcome
	if cacheOutcome == "" {
		cacheOutcome = engine.CacheOutcomeDisabled
	}

	query := `
		UPDATE runs
		SET status = ?, constructed = ?, cache_outcome = ?, cache_correct = ?,
			error_code = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		outcome.Status,
		outcome.Constructed,
		cacheOutcome,
		outcome.CacheCorrect,
		errCode,
		errMsg,
		time.Now().UTC(),
		outcome.Duration.Milliseconds(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("run", id)
	}

	return nil
}

// ListRuns lists runs with pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at DESC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("run", id)
	}

	return nil
}

// NewEvent converts an engine event into its persisted form.
func NewEvent(e engine.Event) (*Event, error) {
	ev := &Event{
		ID:        e.ID,
		Type:      string(e.Type),
		Component: string(e.Component),
		Level:     e.Level,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if e.RunID != "" {
		runID := e.RunID
		ev.RunID = &runID
	}
	if ev.Level == "" {
		ev.Level = e.Type.Severity()
	}
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event details: %w", err)
		}
		details := string(data)
		ev.Details = &details
	}
	return ev, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO events (id, run_id, type, component, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.Component,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents retrieves events in timeline order with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, type, component, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Component,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
