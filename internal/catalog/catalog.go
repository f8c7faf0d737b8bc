// Package catalog records pipeline runs and per-chunk outcomes in a
// PostgreSQL catalog.
package catalog

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

// Config configures the catalog writer.
type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

// Writer records run lineage.
type Writer interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RecordChunks(ctx context.Context, runID string, chunks []ChunkRecord) error
	Close()
}

// RunRecord is one row of _meta_runs.
type RunRecord struct {
	RunID           string
	Namespace       string
	Stage           string
	Level           int
	Source          string
	Destination     string
	StartedAt       time.Time
	Elapsed         time.Duration
	Planned         int
	Succeeded       int
	Skipped         int
	Failed          int
	Pending         int
	Aborted         bool
	Cancelled       bool
	ProducerVersion string
}

// ChunkRecord is one row of _meta_chunks.
type ChunkRecord struct {
	Address  grid.ChunkAddress
	Status   string
	Attempts int
	Reason   string
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return NoopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

// NoopWriter discards everything.
type NoopWriter struct{}

func (NoopWriter) RecordRun(context.Context, RunRecord) error                { return nil }
func (NoopWriter) RecordChunks(context.Context, string, []ChunkRecord) error { return nil }
func (NoopWriter) Close()                                                    {}
