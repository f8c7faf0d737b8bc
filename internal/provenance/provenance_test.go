package provenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
)

func entry(runID string) ProcessingEntry {
	return ProcessingEntry{
		Method:   Method{Stage: "downsample", Params: map[string]any{"factor": []any{2, 2, 1}}, Level: 0},
		Date:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		RunID:    runID,
		Outcome:  Outcome{Planned: 8, Succeeded: 8},
		Producer: ProducerInfo{Name: "volume-copier", Version: "v0.1.0", GitSHA: "abcdef"},
	}
}

func TestComputeEntryHashDeterministic(t *testing.T) {
	a, err := ComputeEntryHash(entry("r1"))
	if err != nil {
		t.Fatalf("ComputeEntryHash() error = %v", err)
	}
	b, _ := ComputeEntryHash(entry("r1"))
	if a != b {
		t.Errorf("hash not deterministic: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Errorf("hash %q lacks sha256: prefix", a)
	}
	c, _ := ComputeEntryHash(entry("r2"))
	if a == c {
		t.Error("different entries hash equal")
	}
}

func TestChainLinksEntries(t *testing.T) {
	var p Provenance
	first, err := p.AddEntry(entry("r1"))
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	second, _ := p.AddEntry(entry("r2"))
	if first.Chain.PrevHash != "" {
		t.Errorf("first entry links to %q", first.Chain.PrevHash)
	}
	if second.Chain.PrevHash != first.Chain.Hash {
		t.Errorf("second entry links to %q, want %q", second.Chain.PrevHash, first.Chain.Hash)
	}
	if err := p.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	p.Processing[0].Outcome.Failed = 3
	if err := p.Verify(); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("Verify() after tampering error = %v, want ErrBrokenChain", err)
	}
}

func TestRecordPersists(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	base := Provenance{Description: "EM stack", Owners: []string{"lab@example.org"}, Sources: []string{"file:///raw"}}

	if _, err := Record(ctx, store, base, entry("r1")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	base.Owners = append(base.Owners, "second@example.org")
	if _, err := Record(ctx, store, base, entry("r2")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	p, err := Load(ctx, store)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(p.Processing) != 2 || p.Description != "EM stack" {
		t.Fatalf("provenance = %+v", p)
	}
	if len(p.Owners) != 2 || len(p.Sources) != 1 {
		t.Errorf("owners %v sources %v", p.Owners, p.Sources)
	}
	if err := p.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	p, err := Load(context.Background(), storage.NewMemStore())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(p.Processing) != 0 || p.Head() != "" {
		t.Errorf("Load() on empty store = %+v", p)
	}
}
