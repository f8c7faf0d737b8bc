// Package ledger persists the outcome of every chunk work unit so an
// interrupted or partially failed run can be resumed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

var (
	// ErrCorruptLedger is returned when a ledger cannot be parsed.
	ErrCorruptLedger = errors.New("corrupt ledger")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
)

// Status is the recorded outcome of a work unit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusSucceeded Status = "succeeded"
)

// Record is one ledger entry. Entries are only appended; the latest entry
// for an address wins.
type Record struct {
	Address   grid.ChunkAddress `json:"address"`
	Status    Status            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Attempts  int               `json:"attempts"`
	Timestamp time.Time         `json:"timestamp"`
	RunID     string            `json:"run_id"`
}

// Ledger is an append-only record store.
type Ledger interface {
	// Append durably stores records in order.
	Append(ctx context.Context, recs ...Record) error

	// Records returns every stored record in append order.
	Records(ctx context.Context) ([]Record, error)

	// Close releases resources.
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string `yaml:"backend"` // "file" | "bolt" | "memory"
	Path    string `yaml:"path"`
}

// Open creates the configured ledger.
func Open(cfg Config) (Ledger, error) {
	switch cfg.Backend {
	case "file", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file ledger requires a path")
		}
		return OpenFile(cfg.Path)
	case "bolt":
		if cfg.Path == "" {
			return nil, fmt.Errorf("bolt ledger requires a path")
		}
		return OpenBolt(cfg.Path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// Latest reduces records to the last entry per address.
func Latest(recs []Record) map[grid.ChunkAddress]Record {
	out := make(map[grid.ChunkAddress]Record, len(recs))
	for _, r := range recs {
		out[r.Address] = r
	}
	return out
}

// Unresolved returns the sorted addresses at level whose latest record is
// not succeeded.
func Unresolved(recs []Record, level int) []grid.ChunkAddress {
	var out []grid.ChunkAddress
	for addr, r := range Latest(recs) {
		if addr.Level == level && r.Status != StatusSucceeded {
			out = append(out, addr)
		}
	}
	grid.SortAddresses(out)
	return out
}
