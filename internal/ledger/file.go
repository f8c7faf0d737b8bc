package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger appends JSON lines to a local file and syncs after every
// batch. A torn final line left by a crash is ignored on read and cut off
// when the file is opened for writing.
type FileLedger struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens or creates the ledger at path.
func OpenFile(path string) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	l := &FileLedger{path: path, f: f}
	if err := l.truncateTornLine(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// truncateTornLine cuts the file back to its last newline so new records
// never follow a partial one.
func (l *FileLedger) truncateTornLine() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if keep == len(data) {
		return nil
	}
	if err := l.f.Truncate(int64(keep)); err != nil {
		return fmt.Errorf("truncate torn ledger line: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Append writes recs as one batch and fsyncs.
func (l *FileLedger) Append(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range recs {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal ledger record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	if _, err := l.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Records reads the whole file.
func (l *FileLedger) Records(ctx context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReadFile(l.path)
}

// Close closes the file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadFile parses a JSON lines ledger without opening it for writing.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return parseLines(data)
}

func parseLines(data []byte) ([]Record, error) {
	var recs []Record
	lines := bytes.Split(data, []byte{'\n'})
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			// Only the final line can be torn; OpenFile removes it
			// before appending.
			if i == len(lines)-1 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorruptLedger, i+1, err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}
