package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stackd/stackd/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateManager using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveRun inserts a run record, or updates it if the ID already exists.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	query := `
		INSERT INTO runs (id, plan_id, stack, status, started_at, completed_at, duration_ms, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			summary = excluded.summary,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.PlanID,
		run.Stack,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Duration.Milliseconds(),
		string(summary),
	)

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, plan_id, stack, status, started_at, completed_at, duration_ms, summary
		FROM runs
		WHERE id = ?
	`

	run := &engine.Run{}
	var durationMs int64
	var summary string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.PlanID,
		&run.Stack,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMs,
		&summary,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Duration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run summary: %w", err)
	}

	return run, nil
}

// ListRuns lists runs for a stack, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, stack string, limit, offset int) ([]*engine.Run, error) {
	query := `
		SELECT id, plan_id, stack, status, started_at, completed_at, duration_ms, summary
		FROM runs
		WHERE stack = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, stack, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run := &engine.Run{}
		var durationMs int64
		var summary string

		err := rows.Scan(
			&run.ID,
			&run.PlanID,
			&run.Stack,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&durationMs,
			&summary,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run summary: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// SaveServiceState inserts or updates the recorded state of a service.
func (s *SQLiteStore) SaveServiceState(ctx context.Context, state *engine.ServiceState) error {
	query := `
		INSERT INTO service_state (stack, service, container_id, status, config_hash, restarts, exit_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack, service) DO UPDATE SET
			container_id = excluded.container_id,
			status = excluded.status,
			config_hash = excluded.config_hash,
			restarts = excluded.restarts,
			exit_code = excluded.exit_code,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		state.Stack,
		state.Service,
		state.ContainerID,
		state.Status,
		state.ConfigHash,
		state.Restarts,
		state.ExitCode,
		state.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save service state: %w", err)
	}

	return nil
}

// GetServiceState retrieves a service's recorded state.
func (s *SQLiteStore) GetServiceState(ctx context.Context, stack, service string) (*engine.ServiceState, error) {
	query := `
		SELECT stack, service, container_id, status, config_hash, restarts, exit_code, updated_at
		FROM service_state
		WHERE stack = ? AND service = ?
	`

	state := &engine.ServiceState{}
	err := s.db.QueryRowContext(ctx, query, stack, service).Scan(
		&state.Stack,
		&state.Service,
		&state.ContainerID,
		&state.Status,
		&state.ConfigHash,
		&state.Restarts,
		&state.ExitCode,
		&state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("service state not found: %s/%s", stack, service)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service state: %w", err)
	}

	return state, nil
}

// ListServiceStates lists the recorded states for a stack.
func (s *SQLiteStore) ListServiceStates(ctx context.Context, stack string) ([]*engine.ServiceState, error) {
	query := `
		SELECT stack, service, container_id, status, config_hash, restarts, exit_code, updated_at
		FROM service_state
		WHERE stack = ?
		ORDER BY service ASC
	`

	rows, err := s.db.QueryContext(ctx, query, stack)
	if err != nil {
		return nil, fmt.Errorf("failed to list service states: %w", err)
	}
	defer rows.Close()

	states := []*engine.ServiceState{}
	for rows.Next() {
		state := &engine.ServiceState{}
		err := rows.Scan(
			&state.Stack,
			&state.Service,
			&state.ContainerID,
			&state.Status,
			&state.ConfigHash,
			&state.Restarts,
			&state.ExitCode,
			&state.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service states: %w", err)
	}

	return states, nil
}

// DeleteServiceState removes a service's recorded state, for services no
// longer declared in the topology.
func (s *SQLiteStore) DeleteServiceState(ctx context.Context, stack, service string) error {
	query := `DELETE FROM service_state WHERE stack = ? AND service = ?`

	result, err := s.db.ExecContext(ctx, query, stack, service)
	if err != nil {
		return fmt.Errorf("failed to delete service state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("service state not found: %s/%s", stack, service)
	}

	return nil
}

// AppendEvent appends a new event to the timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	query := `
		INSERT INTO events (id, type, timestamp, run_id, service, message, level)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Timestamp,
		event.RunID,
		event.Service,
		event.Message,
		event.Level,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves timeline events with optional filters and pagination.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID, service *string, limit, offset int) ([]*engine.Event, error) {
	query := `
		SELECT id, type, timestamp, run_id, service, message, level
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR service = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, service, service, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Timestamp,
			&event.RunID,
			&event.Service,
			&event.Message,
			&event.Level,
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
