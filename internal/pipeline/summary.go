package pipeline

import (
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

// FailedChunk is a unit that ended the run failed.
type FailedChunk struct {
	Address  grid.ChunkAddress `json:"address"`
	Reason   string            `json:"reason"`
	Attempts int               `json:"attempts"`
}

// ChunkResult is the final state of one planned unit.
type ChunkResult struct {
	Address  grid.ChunkAddress
	Status   string // "succeeded" | "skipped" | "failed" | "pending"
	Attempts int
	Reason   string
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID       string              `json:"run_id"`
	Stage       string              `json:"stage"`
	Level       int                 `json:"level"`
	Source      string              `json:"source,omitempty"`
	Destination string              `json:"destination,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	Planned     int                 `json:"planned"`
	Succeeded   int                 `json:"succeeded"`
	Skipped     int                 `json:"skipped"`
	Failed      []FailedChunk       `json:"failed"`
	Pending     []grid.ChunkAddress `json:"pending"`
	Elapsed     time.Duration       `json:"elapsed_ns"`
	Aborted     bool                `json:"aborted"`
	AbortReason string              `json:"abort_reason,omitempty"`
	Cancelled   bool                `json:"cancelled"`

	// Chunks holds one entry per planned unit in address order.
	Chunks []ChunkResult `json:"-"`
}

// Complete reports whether every planned unit succeeded or was skipped.
func (s *Summary) Complete() bool {
	return len(s.Failed) == 0 && len(s.Pending) == 0 && !s.Aborted
}
