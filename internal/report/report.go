// Package report writes the outcome of a run next to the data: a JSON
// summary and a parquet table with one row per planned chunk.
package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/pipeline"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
)

const (
	SummaryFile = "summary.json"
	ChunksFile  = "chunks.parquet"
)

// ErrChecksumMismatch is returned when a chunks table does not match the
// checksum recorded in its summary.
var ErrChecksumMismatch = errors.New("report checksum mismatch")

// ChunkRow is one row of chunks.parquet.
type ChunkRow struct {
	RunID    string `parquet:"run_id"`
	Level    int32  `parquet:"level"`
	X        int64  `parquet:"x"`
	Y        int64  `parquet:"y"`
	Z        int64  `parquet:"z"`
	Status   string `parquet:"status"`
	Attempts int32  `parquet:"attempts"`
	Reason   string `parquet:"reason"`
}

// Address returns the chunk address of the row.
func (r ChunkRow) Address() grid.ChunkAddress {
	return grid.ChunkAddress{Level: int(r.Level), X: r.X, Y: r.Y, Z: r.Z}
}

// Manifest is the content of summary.json.
type Manifest struct {
	Summary         *pipeline.Summary `json:"summary"`
	ChunksFile      string            `json:"chunks_file"`
	ChunksRows      int               `json:"chunks_rows"`
	ChunksChecksum  string            `json:"chunks_checksum"`
	ProducerVersion string            `json:"producer_version"`
	ProducerGitSHA  string            `json:"producer_git_sha"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// VerifyChunks checks an encoded chunks table against the recorded checksum.
func (m *Manifest) VerifyChunks(data []byte) error {
	if chunksChecksum(data) != m.ChunksChecksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, m.ChunksFile)
	}
	return nil
}

func chunksChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Dir returns the key prefix of a run's report.
func Dir(runID string) string {
	return "runs/" + runID + "/"
}

// Write stores the chunks table first and the summary last, so a present
// summary implies a complete report.
func Write(ctx context.Context, store storage.Store, s *pipeline.Summary) (*Manifest, error) {
	rows := make([]ChunkRow, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		rows = append(rows, ChunkRow{
			RunID:    s.RunID,
			Level:    int32(c.Address.Level),
			X:        c.Address.X,
			Y:        c.Address.Y,
			Z:        c.Address.Z,
			Status:   c.Status,
			Attempts: int32(c.Attempts),
			Reason:   c.Reason,
		})
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[ChunkRow](&buf, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write chunk rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	data := buf.Bytes()

	dir := Dir(s.RunID)
	if err := store.Put(ctx, dir+ChunksFile, data, "application/vnd.apache.parquet"); err != nil {
		return nil, fmt.Errorf("write %s: %w", ChunksFile, err)
	}

	m := &Manifest{
		Summary:         s,
		ChunksFile:      ChunksFile,
		ChunksRows:      len(rows),
		ChunksChecksum:  chunksChecksum(data),
		ProducerVersion: pipeline.Version,
		ProducerGitSHA:  pipeline.GitSHA,
		GeneratedAt:     time.Now().UTC(),
	}
	js, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	if err := store.Put(ctx, dir+SummaryFile, js, "application/json"); err != nil {
		return nil, fmt.Errorf("write %s: %w", SummaryFile, err)
	}
	return m, nil
}

// ReadManifest loads summary.json of a run.
func ReadManifest(ctx context.Context, store storage.Store, runID string) (*Manifest, error) {
	data, err := store.Get(ctx, Dir(runID)+SummaryFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SummaryFile, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SummaryFile, err)
	}
	return &m, nil
}

// ReadChunks loads and verifies the chunks table of a run.
func ReadChunks(ctx context.Context, store storage.Store, runID string) ([]ChunkRow, error) {
	m, err := ReadManifest(ctx, store, runID)
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, Dir(runID)+m.ChunksFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.ChunksFile, err)
	}
	if err := m.VerifyChunks(data); err != nil {
		return nil, err
	}
	rows, err := parquet.Read[ChunkRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.ChunksFile, err)
	}
	return rows, nil
}
