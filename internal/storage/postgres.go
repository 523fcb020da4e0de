package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	context_id      TEXT NOT NULL,
	language        TEXT NOT NULL,
	code_hash       TEXT NOT NULL,
	code_size       INTEGER NOT NULL,
	status          TEXT NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	exit_code       INTEGER,
	output          TEXT NOT NULL DEFAULT '',
	duration_ms     BIGINT NOT NULL,
	artifacts       INTEGER NOT NULL DEFAULT 0,
	security_events INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_context_idx ON executions (context_id, created_at DESC);

CREATE TABLE IF NOT EXISTS security_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	detail       TEXT NOT NULL,
	line         INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);`

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Int32("max_conns", config.MaxConns).Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the audit tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution row. Re-inserting an id is a no-op so
// retried writes stay idempotent.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, context_id, language, code_hash, code_size, status,
			error_kind, error, exit_code, output, duration_ms, artifacts,
			security_events, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.ContextID, exec.Language, exec.CodeHash, exec.CodeSize,
		exec.Status, exec.ErrorKind, exec.Error, exec.ExitCode,
		truncateForDB(exec.Output, maxStoredOutput),
		exec.DurationMS, exec.Artifacts, exec.SecurityEvents, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO security_events (id, execution_id, type, severity, detail, line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.ExecutionID, event.Type, event.Severity,
		event.Detail, event.Line, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, context_id, language, code_hash, code_size, status,
			error_kind, error, exit_code, output, duration_ms, artifacts,
			security_events, created_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.ContextID, &exec.Language, &exec.CodeHash, &exec.CodeSize,
		&exec.Status, &exec.ErrorKind, &exec.Error, &exec.ExitCode,
		&exec.Output, &exec.DurationMS, &exec.Artifacts,
		&exec.SecurityEvents, &exec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, context_id, language, code_hash, status, error_kind,
			exit_code, duration_ms, security_events, created_at
		FROM executions
		WHERE ($1 = '' OR context_id = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.ContextID, filter.Language, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.ContextID, &exec.Language, &exec.CodeHash,
			&exec.Status, &exec.ErrorKind, &exec.ExitCode,
			&exec.DurationMS, &exec.SecurityEvents, &exec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}
