package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process ledger.
type Memory struct {
	mu   sync.Mutex
	recs []Record
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(ctx context.Context, recs ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *Memory) Records(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...), nil
}

func (m *Memory) Close() error { return nil }

var (
	_ Ledger = (*Memory)(nil)
	_ Ledger = (*FileLedger)(nil)
	_ Ledger = (*BoltLedger)(nil)
)
