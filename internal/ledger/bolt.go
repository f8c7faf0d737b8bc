package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

var (
	bucketLog    = []byte("log")
	bucketLatest = []byte("latest")
)

// BoltLedger stores records in a bbolt database: an append-only "log"
// bucket keyed by sequence and a "latest" bucket keyed by chunk address.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLog, bucketLatest} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLedger{db: db}, nil
}

// Append stores recs in one transaction.
func (l *BoltLedger) Append(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		logB, latest := tx.Bucket(bucketLog), tx.Bucket(bucketLatest)
		for _, r := range recs {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal ledger record: %w", err)
			}
			seq, err := logB.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := logB.Put(key, data); err != nil {
				return fmt.Errorf("append log: %w", err)
			}
			if err := latest.Put([]byte(r.Address.String()), data); err != nil {
				return fmt.Errorf("update latest: %w", err)
			}
		}
		return nil
	})
}

// Records returns the log in sequence order.
func (l *BoltLedger) Records(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLog).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: sequence %d: %v", ErrCorruptLedger, binary.BigEndian.Uint64(k), err)
			}
			recs = append(recs, r)
			return nil
		})
	})
	return recs, err
}

// LatestRecord looks up the current record of one address.
func (l *BoltLedger) LatestRecord(addr grid.ChunkAddress) (Record, bool, error) {
	var (
		r     Record
		found bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLatest).Get([]byte(addr.String()))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &r)
	})
	return r, found, err
}

// Close closes the database.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}
