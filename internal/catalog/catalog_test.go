package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

func TestNewWriterWithoutDSN(t *testing.T) {
	w, err := NewWriter(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if _, ok := w.(NoopWriter); !ok {
		t.Fatalf("NewWriter() = %T, want NoopWriter", w)
	}
	if err := w.RecordRun(context.Background(), RunRecord{RunID: "r"}); err != nil {
		t.Errorf("RecordRun() error = %v", err)
	}
	w.Close()
}

// TestPostgresWriter needs a database; set CATALOG_TEST_DSN to run it.
func TestPostgresWriter(t *testing.T) {
	dsn := os.Getenv("CATALOG_TEST_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DSN not set")
	}
	ctx := context.Background()
	w, err := NewPostgresWriter(ctx, Config{PostgresDSN: dsn, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewPostgresWriter() error = %v", err)
	}
	defer w.Close()

	runID := uuid.NewString()
	if err := w.RecordRun(ctx, RunRecord{RunID: runID, Stage: "copy", StartedAt: time.Now(), Planned: 2, Succeeded: 1, Failed: 1}); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	chunks := []ChunkRecord{
		{Address: grid.ChunkAddress{X: 0}, Status: "succeeded", Attempts: 1},
		{Address: grid.ChunkAddress{X: 1}, Status: "failed", Attempts: 3, Reason: "timeout"},
	}
	for i := 0; i < 2; i++ {
		if err := w.RecordChunks(ctx, runID, chunks); err != nil {
			t.Fatalf("RecordChunks() pass %d error = %v", i, err)
		}
	}
	failed, err := w.FailedChunks(ctx, runID)
	if err != nil {
		t.Fatalf("FailedChunks() error = %v", err)
	}
	if len(failed) != 1 || failed[0].Address.X != 1 || failed[0].Reason != "timeout" {
		t.Errorf("FailedChunks() = %+v", failed)
	}
}
