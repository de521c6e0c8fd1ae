package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"code-executor/internal/config"
)

// ErrNotFound is returned when an execution ID is unknown.
var ErrNotFound = errors.New("execution not found")

const maxStoredOutput = 65535

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New connects, pings and applies pending migrations.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution and its detections in one transaction.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO executions (id, tool, language, backend, code_hash, outcome,
				exit_code, output, stderr, reason, duration_ms, detections,
				created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
			exec.ID, exec.Tool, exec.Language, exec.Backend, exec.CodeHash, exec.Outcome,
			exec.ExitCode,
			truncateForDB(exec.Output, maxStoredOutput),
			truncateForDB(exec.Stderr, maxStoredOutput),
			exec.Reason, exec.DurationMS, len(exec.Detections),
			exec.CreatedAt, exec.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting execution: %w", err)
		}

		for i := range exec.Detections {
			d := &exec.Detections[i]
			if d.ID == "" {
				d.ID = uuid.New().String()
			}
			if d.CreatedAt.IsZero() {
				d.CreatedAt = exec.CreatedAt
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO detections (id, execution_id, source, pattern, severity, detail, line, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				d.ID, exec.ID, d.Source, d.Pattern, d.Severity, d.Detail, d.Line, d.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("inserting detection: %w", err)
			}
		}
		return nil
	})
}

// GetExecution retrieves a single execution and its detections by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	err := db.pool.QueryRow(ctx, `
		SELECT id, tool, language, backend, code_hash, outcome, exit_code,
			output, stderr, reason, duration_ms, created_at, completed_at
		FROM executions WHERE id = $1`, id).Scan(
		&exec.ID, &exec.Tool, &exec.Language, &exec.Backend, &exec.CodeHash,
		&exec.Outcome, &exec.ExitCode,
		&exec.Output, &exec.Stderr, &exec.Reason,
		&exec.DurationMS, &exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, execution_id, source, pattern, severity, detail, line, created_at
		FROM detections WHERE execution_id = $1 ORDER BY line, pattern`, id)
	if err != nil {
		return nil, fmt.Errorf("querying detections for %s: %w", id, err)
	}
	exec.Detections, err = pgx.CollectRows(rows, pgx.RowToStructByName[Detection])
	if err != nil {
		return nil, fmt.Errorf("scanning detections for %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns summaries, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, tool, language, backend, code_hash, outcome, exit_code,
			duration_ms, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR tool = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR outcome = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		filter.Tool, filter.Language, filter.Outcome, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Tool, &exec.Language, &exec.Backend, &exec.CodeHash,
			&exec.Outcome, &exec.ExitCode,
			&exec.DurationMS, &exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
