package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultListLimit is used when a RunFilter carries no limit.
const DefaultListLimit = 50

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
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

	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

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

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO runs (id, workflow, operation, status, started_at, completed_at, duration_ms, error, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Workflow,
		run.Operation,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.DurationMS,
		run.Error,
		run.Metadata,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, workflow, operation, status, started_at, completed_at, duration_ms, error, metadata, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Workflow,
		&run.Operation,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMS,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinishRun records the final status of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, duration time.Duration, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, duration.Milliseconds(), completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return expectRow(result, "run", id)
}

// ListRuns lists runs, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}

	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR workflow = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Workflow, filter.Workflow,
		string(filter.Status), string(filter.Status),
		filter.Limit, filter.Offset,
	)
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

// DeleteRun deletes a run and, through cascading foreign keys, everything recorded for it
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return expectRow(result, "run", id)
}

// GetRunDetail loads a run together with its node results, changes and recovery events
func (s *SQLiteStore) GetRunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{Run: run}
	if detail.Nodes, err = s.ListNodeResults(ctx, id); err != nil {
		return nil, err
	}
	if detail.Changes, err = s.ListChanges(ctx, id); err != nil {
		return nil, err
	}
	if detail.RecoveryEvents, err = s.ListRecoveryEvents(ctx, id); err != nil {
		return nil, err
	}

	return detail, nil
}

// RecordNodeResult appends the outcome of a node
func (s *SQLiteStore) RecordNodeResult(ctx context.Context, nr *NodeResult) error {
	if nr.RecordedAt.IsZero() {
		nr.RecordedAt = time.Now()
	}

	query := `
		INSERT INTO node_results (run_id, node, status, attempts, backend, exit_code, output, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		nr.RunID,
		nr.Node,
		nr.Status,
		nr.Attempts,
		nr.Backend,
		nr.ExitCode,
		nr.Output,
		nr.Error,
		nr.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record node result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get node result ID: %w", err)
	}

	nr.ID = id
	return nil
}

// ListNodeResults lists the node results of a run in recording order
func (s *SQLiteStore) ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error) {
	query := `
		SELECT id, run_id, node, status, attempts, backend, exit_code, output, error, recorded_at
		FROM node_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node results: %w", err)
	}
	defer rows.Close()

	results := []*NodeResult{}
	for rows.Next() {
		nr := &NodeResult{}
		err := rows.Scan(
			&nr.ID,
			&nr.RunID,
			&nr.Node,
			&nr.Status,
			&nr.Attempts,
			&nr.Backend,
			&nr.ExitCode,
			&nr.Output,
			&nr.Error,
			&nr.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		results = append(results, nr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}

	return results, nil
}

// RecordChanges stores a run's changes in one transaction. Seq numbers
// continue after the changes already recorded for the run.
func (s *SQLiteStore) RecordChanges(ctx context.Context, runID string, records []*ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("failed to read change sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO changes (run_id, seq, type, target, revertible, backup_file, revert_command)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare change insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		next++
		rec.RunID = runID
		rec.Seq = next
		result, err := stmt.ExecContext(ctx, runID, rec.Seq, rec.Type, rec.Target, rec.Revertible, rec.BackupFile, rec.RevertCommand)
		if err != nil {
			return fmt.Errorf("failed to record change %s %s: %w", rec.Type, rec.Target, err)
		}
		if rec.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get change ID: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	return nil
}

// ListChanges lists a run's changes in emission order
func (s *SQLiteStore) ListChanges(ctx context.Context, runID string) ([]*ChangeRecord, error) {
	query := `
		SELECT id, run_id, seq, type, target, revertible, backup_file, revert_command
		FROM changes
		WHERE run_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	records := []*ChangeRecord{}
	for rows.Next() {
		rec := &ChangeRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Seq,
			&rec.Type,
			&rec.Target,
			&rec.Revertible,
			&rec.BackupFile,
			&rec.RevertCommand,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return records, nil
}

// RecordRecoveryEvent appends a recovery decision
func (s *SQLiteStore) RecordRecoveryEvent(ctx context.Context, event *RecoveryEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	query := `
		INSERT INTO recovery_events (run_id, node, error_type, strategy, success, message, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Node,
		event.ErrorType,
		event.Strategy,
		event.Success,
		event.Message,
		event.Error,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record recovery event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get recovery event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListRecoveryEvents lists a run's recovery decisions in order
func (s *SQLiteStore) ListRecoveryEvents(ctx context.Context, runID string) ([]*RecoveryEvent, error) {
	query := `
		SELECT id, run_id, node, error_type, strategy, success, message, error, occurred_at
		FROM recovery_events
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery events: %w", err)
	}
	defer rows.Close()

	events := []*RecoveryEvent{}
	for rows.Next() {
		ev := &RecoveryEvent{}
		err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.Node,
			&ev.ErrorType,
			&ev.Strategy,
			&ev.Success,
			&ev.Message,
			&ev.Error,
			&ev.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery events: %w", err)
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

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
