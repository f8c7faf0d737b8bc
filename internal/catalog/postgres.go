package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  Config
	log  *slog.Logger
}

// NewPostgresWriter connects, pings and applies the schema.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg, log: slog.With("component", "catalog")}
	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// RecordRun upserts the run row.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec RunRecord) error {
	if rec.Namespace == "" {
		rec.Namespace = w.cfg.Namespace
	}
	query := `
		INSERT INTO _meta_runs (
			run_id, namespace, stage, level, source, destination, started_at,
			elapsed_ms, planned, succeeded, skipped, failed, pending,
			aborted, cancelled, producer_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (run_id)
		DO UPDATE SET
			elapsed_ms = EXCLUDED.elapsed_ms,
			succeeded = EXCLUDED.succeeded,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed,
			pending = EXCLUDED.pending,
			aborted = EXCLUDED.aborted,
			cancelled = EXCLUDED.cancelled,
			updated_at = NOW()
	`
	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.Namespace,
		rec.Stage,
		rec.Level,
		rec.Source,
		rec.Destination,
		rec.StartedAt,
		rec.Elapsed.Milliseconds(),
		rec.Planned,
		rec.Succeeded,
		rec.Skipped,
		rec.Failed,
		rec.Pending,
		rec.Aborted,
		rec.Cancelled,
		rec.ProducerVersion,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	w.log.Info("recorded run", "run_id", rec.RunID, "succeeded", rec.Succeeded, "failed", rec.Failed)
	return nil
}

// RecordChunks replaces the chunk rows of a run using COPY.
func (w *PostgresWriter) RecordChunks(ctx context.Context, runID string, chunks []ChunkRecord) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM _meta_chunks WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	rows := make([][]any, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, []any{runID, c.Address.Level, c.Address.X, c.Address.Y, c.Address.Z, c.Status, c.Attempts, c.Reason})
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"_meta_chunks"},
		[]string{"run_id", "chunk_level", "x", "y", "z", "status", "attempts", "reason"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.log.Debug("recorded chunks", "run_id", runID, "rows", n)
	return nil
}

// FailedChunks returns the addresses recorded as failed for a run.
func (w *PostgresWriter) FailedChunks(ctx context.Context, runID string) ([]ChunkRecord, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT chunk_level, x, y, z, status, attempts, COALESCE(reason, '')
		FROM _meta_chunks
		WHERE run_id = $1 AND status = 'failed'
		ORDER BY chunk_level, z, y, x
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failed chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		if err := rows.Scan(&c.Address.Level, &c.Address.X, &c.Address.Y, &c.Address.Z, &c.Status, &c.Attempts, &c.Reason); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (w *PostgresWriter) Close() {
	w.pool.Close()
}
