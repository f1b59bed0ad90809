package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/froyomake/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
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

	// Every connection to :memory: opens a fresh database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
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

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

const runColumns = `id, workspace, status, order_policy, total, succeeded, failed, skipped,
	started_at, completed_at, error, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Workspace,
		&run.Status,
		&run.OrderPolicy,
		&run.Summary.Total,
		&run.Summary.Succeeded,
		&run.Summary.Failed,
		&run.Summary.Skipped,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	if run.OrderPolicy == "" {
		run.OrderPolicy = engine.DeclarationOrder.String()
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Workspace,
		run.Status,
		run.OrderPolicy,
		run.Summary.Total,
		run.Summary.Succeeded,
		run.Summary.Failed,
		run.Summary.Skipped,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
		run.Metadata,
		run.CreatedAt.UTC(),
		run.UpdatedAt.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
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

// LatestRun returns the most recently started run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, created_at DESC LIMIT 1`

	run, err := scanRun(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	return run, nil
}

// CompleteRun records the final status and summary of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, result *engine.BatchResult, errMsg *string) error {
	if result == nil {
		return fmt.Errorf("batch result is nil")
	}

	query := `
		UPDATE runs
		SET status = ?, total = ?, succeeded = ?, failed = ?, skipped = ?,
		    error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	completedAt := result.CompletedAt.UTC()
	if result.CompletedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, query,
		result.Status,
		result.Summary.Total,
		result.Summary.Succeeded,
		result.Summary.Failed,
		result.Summary.Skipped,
		errMsg,
		completedAt,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

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

// DeleteRun deletes a run and, through cascading keys, everything recorded
// for it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// SaveEntityResults upserts the per-entity outcomes of a run.
func (s *SQLiteStore) SaveEntityResults(ctx context.Context, results []*EntityResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entity_results (run_id, entity, entity_type, status, configurations, error_class, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, entity) DO UPDATE SET
				entity_type = excluded.entity_type,
				status = excluded.status,
				configurations = excluded.configurations,
				error_class = excluded.error_class,
				error = excluded.error
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare entity result insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range results {
			if _, err := stmt.ExecContext(ctx,
				r.RunID,
				r.Entity,
				r.EntityType,
				r.Status,
				r.Configurations,
				r.ErrorClass,
				r.Error,
			); err != nil {
				return fmt.Errorf("failed to save result of %s: %w", r.Entity, err)
			}
		}
		return nil
	})
}

// ListEntityResults lists the entity outcomes of a run ordered by entity.
func (s *SQLiteStore) ListEntityResults(ctx context.Context, runID string) ([]*EntityResult, error) {
	query := `
		SELECT run_id, entity, entity_type, status, configurations, error_class, error
		FROM entity_results
		WHERE run_id = ?
		ORDER BY entity
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity results: %w", err)
	}
	defer rows.Close()

	results := []*EntityResult{}
	for rows.Next() {
		r := &EntityResult{}
		if err := rows.Scan(
			&r.RunID,
			&r.Entity,
			&r.EntityType,
			&r.Status,
			&r.Configurations,
			&r.ErrorClass,
			&r.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entity result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity results: %w", err)
	}

	return results, nil
}

// SaveConfigurations stores configuration snapshots and their dependency
// edges in one transaction.
func (s *SQLiteStore) SaveConfigurations(ctx context.Context, runID string, snapshots []engine.Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		confStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO configurations (run_id, entity, target, fragments, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare configuration insert: %w", err)
		}
		defer confStmt.Close()

		depStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO dependencies (run_id, entity, target, depends_on, type, settings)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare dependency insert: %w", err)
		}
		defer depStmt.Close()

		now := time.Now().UTC()
		for _, snap := range snapshots {
			fragments, err := json.Marshal(snap.Fragments)
			if err != nil {
				return fmt.Errorf("failed to encode fragments of %s/%s: %w", snap.Entity, snap.Target, err)
			}
			props, err := json.Marshal(snap.Properties)
			if err != nil {
				return fmt.Errorf("failed to encode properties of %s/%s: %w", snap.Entity, snap.Target, err)
			}

			if _, err := confStmt.ExecContext(ctx, runID, snap.Entity, snap.Target, string(fragments), string(props), now); err != nil {
				return fmt.Errorf("failed to save configuration %s/%s: %w", snap.Entity, snap.Target, err)
			}

			for _, dep := range snap.Dependencies {
				if _, err := depStmt.ExecContext(ctx, runID, snap.Entity, snap.Target, dep.Entity, string(dep.Type), dep.Settings.String()); err != nil {
					return fmt.Errorf("failed to save dependency %s -> %s: %w", snap.Entity, dep.Entity, err)
				}
			}
		}
		return nil
	})
}

// ListConfigurations lists stored configurations matching filter.
func (s *SQLiteStore) ListConfigurations(ctx context.Context, filter ConfigurationFilter) ([]*ConfigurationRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, run_id, entity, target, fragments, properties, created_at
		FROM configurations
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR entity = ?)
		  AND (? = '' OR target = ?)
		ORDER BY entity, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Entity, filter.Entity,
		filter.Target, filter.Target,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	defer rows.Close()

	records := []*ConfigurationRecord{}
	for rows.Next() {
		rec := &ConfigurationRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Entity,
			&rec.Target,
			&rec.Fragments,
			&rec.Properties,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configurations: %w", err)
	}

	return records, nil
}

// ListDependencies lists the dependency edges recorded for an entity in a run.
func (s *SQLiteStore) ListDependencies(ctx context.Context, runID, entity string) ([]*DependencyRecord, error) {
	query := `
		SELECT id, run_id, entity, target, depends_on, type, settings
		FROM dependencies
		WHERE run_id = ? AND (? = '' OR entity = ?)
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID, entity, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	deps := []*DependencyRecord{}
	for rows.Next() {
		d := &DependencyRecord{}
		if err := rows.Scan(&d.ID, &d.RunID, &d.Entity, &d.Target, &d.DependsOn, &d.Type, &d.Settings); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

// SaveViolations appends policy violations and fills in their IDs.
func (s *SQLiteStore) SaveViolations(ctx context.Context, violations []*Violation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO violations (run_id, policy, rule, severity, entity, target, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare violation insert: %w", err)
		}
		defer stmt.Close()

		for _, v := range violations {
			if v.CreatedAt.IsZero() {
				v.CreatedAt = time.Now().UTC()
			}
			result, err := stmt.ExecContext(ctx, v.RunID, v.Policy, v.Rule, v.Severity, v.Entity, v.Target, v.Message, v.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to save violation: %w", err)
			}

			// Get the auto-generated ID
			id, err := result.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get violation ID: %w", err)
			}
			v.ID = id
		}
		return nil
	})
}

// ListViolations lists the violations recorded for a run.
func (s *SQLiteStore) ListViolations(ctx context.Context, runID string) ([]*Violation, error) {
	query := `
		SELECT id, run_id, policy, rule, severity, entity, target, message, created_at
		FROM violations
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	violations := []*Violation{}
	for rows.Next() {
		v := &Violation{}
		if err := rows.Scan(&v.ID, &v.RunID, &v.Policy, &v.Rule, &v.Severity, &v.Entity, &v.Target, &v.Message, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violations: %w", err)
	}

	return violations, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = s.RollbackTx(tx)
		return err
	}

	return s.CommitTx(tx)
}
