// Package provenance maintains the precomputed "provenance" file of a
// volume: who owns it, where it came from and a hash chained log of every
// processing run applied to it.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
)

// Key is the object holding provenance at the volume root.
const Key = "provenance"

// ErrBrokenChain is returned by Verify when an entry does not link to its
// predecessor or its hash does not match its content.
var ErrBrokenChain = errors.New("provenance chain broken")

// Provenance is the document stored at Key.
type Provenance struct {
	Description string            `json:"description"`
	Owners      []string          `json:"owners"`
	Sources     []string          `json:"sources"`
	Processing  []ProcessingEntry `json:"processing"`
}

// ProcessingEntry records one run against the volume.
type ProcessingEntry struct {
	Method   Method       `json:"method"`
	By       string       `json:"by,omitempty"`
	Date     time.Time    `json:"date"`
	RunID    string       `json:"run_id"`
	Outcome  Outcome      `json:"outcome"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// Method describes what was run.
type Method struct {
	Stage  string         `json:"stage"`
	Params map[string]any `json:"params,omitempty"`
	Level  int            `json:"level"`
	Source string         `json:"source,omitempty"`
	Region string         `json:"region,omitempty"`
}

// Outcome holds chunk counts of the run.
type Outcome struct {
	Planned   int  `json:"planned"`
	Succeeded int  `json:"succeeded"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	Pending   int  `json:"pending"`
	Aborted   bool `json:"aborted"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an entry to its predecessor.
type ChainInfo struct {
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// ComputeEntryHash hashes the canonical JSON of an entry with its own hash
// field cleared.
func ComputeEntryHash(e ProcessingEntry) (string, error) {
	e.Chain.Hash = ""
	canonical, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Head returns the hash of the last entry, or "" for an empty log.
func (p *Provenance) Head() string {
	if len(p.Processing) == 0 {
		return ""
	}
	return p.Processing[len(p.Processing)-1].Chain.Hash
}

// AddEntry links e to the current head and appends it.
func (p *Provenance) AddEntry(e ProcessingEntry) (ProcessingEntry, error) {
	e.Chain.PrevHash = p.Head()
	hash, err := ComputeEntryHash(e)
	if err != nil {
		return e, err
	}
	e.Chain.Hash = hash
	p.Processing = append(p.Processing, e)
	return e, nil
}

// Verify walks the chain from the first entry.
func (p *Provenance) Verify() error {
	prev := ""
	for i, e := range p.Processing {
		if e.Chain.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %q, want %q", ErrBrokenChain, i, e.Chain.PrevHash, prev)
		}
		want, err := ComputeEntryHash(e)
		if err != nil {
			return err
		}
		if e.Chain.Hash != want {
			return fmt.Errorf("%w: entry %d hash %q, content hashes to %q", ErrBrokenChain, i, e.Chain.Hash, want)
		}
		prev = e.Chain.Hash
	}
	return nil
}

// Load reads the provenance of a volume. A missing file yields an empty
// document.
func Load(ctx context.Context, store storage.Store) (*Provenance, error) {
	data, err := store.Get(ctx, Key)
	if errors.Is(err, storage.ErrNotFound) {
		return &Provenance{Owners: []string{}, Sources: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read provenance: %w", err)
	}
	var p Provenance
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse provenance: %w", err)
	}
	return &p, nil
}

// Save writes the document.
func Save(ctx context.Context, store storage.Store, p *Provenance) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal provenance: %w", err)
	}
	if err := store.Put(ctx, Key, data, "application/json"); err != nil {
		return fmt.Errorf("write provenance: %w", err)
	}
	return nil
}

// Record loads the provenance of a volume, verifies it, appends e and
// saves it. Description, owners and sources are filled in when the
// document does not have them yet.
func Record(ctx context.Context, store storage.Store, base Provenance, e ProcessingEntry) (ProcessingEntry, error) {
	p, err := Load(ctx, store)
	if err != nil {
		return e, err
	}
	if err := p.Verify(); err != nil {
		return e, err
	}
	if p.Description == "" {
		p.Description = base.Description
	}
	p.Owners = mergeUnique(p.Owners, base.Owners)
	p.Sources = mergeUnique(p.Sources, base.Sources)

	if e, err = p.AddEntry(e); err != nil {
		return e, err
	}
	return e, Save(ctx, store, p)
}

func mergeUnique(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			have = append(have, s)
			seen[s] = true
		}
	}
	return have
}
