package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/ledger"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/provenance"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/report"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

func writeSource(t *testing.T, url string) {
	t.Helper()
	ctx := context.Background()
	info := &volume.Info{
		Type:        "image",
		DataType:    volume.Uint8,
		NumChannels: 1,
		Scales: []volume.Scale{{
			Key:        "8_8_8",
			Size:       grid.Vec3{64, 32, 32},
			Resolution: [3]float64{8, 8, 8},
			ChunkSizes: []grid.Vec3{{32, 32, 32}},
			Encoding:   volume.EncodingRaw,
		}},
	}
	acc, err := volume.Create(ctx, volume.Config{Kind: volume.KindImage, URL: url, Compression: volume.CompressionGzip}, info)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer acc.Close()
	addrs, _ := grid.EnumerateLevel(acc.Metadata(), 0)
	for _, a := range addrs {
		box, _ := grid.BoundsOf(acc.Metadata(), a)
		c := volume.NewImageChunk(a, volume.Uint8, 1, box.Size())
		for i := range c.Data {
			c.Data[i] = 10
		}
		if err := acc.Write(ctx, a, c); err != nil {
			t.Fatalf("Write(%s) error = %v", a, err)
		}
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunResumePlan(t *testing.T) {
	dir := t.TempDir()
	srcURL := "file://" + filepath.Join(dir, "src")
	dstURL := "file://" + filepath.Join(dir, "dst")
	reportURL := "file://" + filepath.Join(dir, "reports")
	ledgerPath := filepath.Join(dir, "ledger.jsonl")
	writeSource(t, srcURL)

	cfgPath := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
source:
  url: %s
destination:
  url: %s
  init: derive
  compression: zstd
stage:
  name: invert
scheduler:
  concurrency: 2
  backoff_base: 1ms
  backoff_cap: 2ms
ledger:
  backend: file
  path: %s
report:
  url: %s
provenance:
  enabled: true
  description: inverted test volume
  owners: [lab@example.org]
logging:
  level: error
`, srcURL, dstURL, ledgerPath, reportURL)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "run", "--config", cfgPath, "--strict")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 planned, 2 succeeded") {
		t.Errorf("run output = %q", out)
	}

	ctx := context.Background()
	dst, err := volume.Open(ctx, volume.Config{Kind: volume.KindImage, URL: dstURL})
	if err != nil {
		t.Fatalf("Open(dst) error = %v", err)
	}
	p, err := dst.Read(ctx, grid.ChunkAddress{X: 1})
	dst.Close()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := p.(*volume.ImageChunk).Data[0]; got != 245 {
		t.Errorf("inverted voxel = %d, want 245", got)
	}

	recs, err := ledger.ReadFile(ledgerPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(recs) != 4 {
		t.Errorf("ledger records = %d, want 4", len(recs))
	}

	reports, _ := storage.Open(ctx, reportURL)
	defer reports.Close()
	m, err := report.ReadManifest(ctx, reports, recs[0].RunID)
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if m.Summary.Succeeded != 2 {
		t.Errorf("report summary = %+v", m.Summary)
	}

	dstStore, _ := storage.Open(ctx, dstURL)
	defer dstStore.Close()
	prov, err := provenance.Load(ctx, dstStore)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(prov.Processing) != 1 || prov.Processing[0].Method.Stage != "invert" {
		t.Errorf("provenance = %+v", prov)
	}

	out, err = runCLI(t, "resume", "--config", cfgPath)
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if !strings.Contains(out, "0 planned") {
		t.Errorf("resume output = %q", out)
	}

	out, err = runCLI(t, "plan", "--config", cfgPath)
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	if !strings.HasPrefix(out, "2 chunks at level 0") {
		t.Errorf("plan output = %q", out)
	}
}

func TestStages(t *testing.T) {
	out, err := runCLI(t, "stages")
	if err != nil {
		t.Fatalf("stages error = %v", err)
	}
	for _, name := range []string{"copy", "downsample", "mesh-weld"} {
		if !strings.Contains(out, name) {
			t.Errorf("stages output %q lacks %s", out, name)
		}
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunBuildsPyramid(t *testing.T) {
	dir := t.TempDir()
	srcURL := "file://" + filepath.Join(dir, "src")
	dstURL := "file://" + filepath.Join(dir, "dst")
	ledgerPath := filepath.Join(dir, "ledger.jsonl")
	writeSource(t, srcURL)

	cfgPath := writeConfig(t, dir, fmt.Sprintf(`
source:
  url: %s
destination:
  url: %s
  init: add_scale
stage:
  name: downsample
run:
  num_mips: 2
scheduler:
  concurrency: 2
ledger:
  backend: file
  path: %s
logging:
  level: error
`, srcURL, dstURL, ledgerPath))

	out, err := runCLI(t, "run", "--config", cfgPath, "--strict")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if n := strings.Count(out, "1 planned, 1 succeeded"); n != 2 {
		t.Errorf("run output = %q, want two completed levels", out)
	}

	ctx := context.Background()
	dst, err := volume.Open(ctx, volume.Config{Kind: volume.KindImage, URL: dstURL})
	if err != nil {
		t.Fatalf("Open(dst) error = %v", err)
	}
	defer dst.Close()
	if got := dst.Metadata().NumLevels(); got != 3 {
		t.Fatalf("destination levels = %d, want 3", got)
	}
	for level := 1; level <= 2; level++ {
		p, err := dst.Read(ctx, grid.ChunkAddress{Level: level})
		if err != nil {
			t.Fatalf("Read(level %d) error = %v", level, err)
		}
		if got := p.(*volume.ImageChunk).Data[0]; got != 10 {
			t.Errorf("level %d voxel = %d, want 10", level, got)
		}
	}

	recs, err := ledger.ReadFile(ledgerPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	done := map[int]int{}
	for _, r := range recs {
		if r.Status == ledger.StatusSucceeded {
			done[r.Address.Level]++
		}
	}
	if done[0] != 1 || done[1] != 1 {
		t.Errorf("succeeded records per level = %v, want one at 0 and 1", done)
	}
}

func TestPlanLeavesDestinationUntouched(t *testing.T) {
	dir := t.TempDir()
	srcURL := "file://" + filepath.Join(dir, "src")
	dstURL := "file://" + filepath.Join(dir, "dst")
	writeSource(t, srcURL)

	cfgPath := writeConfig(t, dir, fmt.Sprintf(`
source:
  url: %s
destination:
  url: %s
  init: add_scale
stage:
  name: downsample
ledger:
  backend: file
  path: %s
logging:
  level: error
`, srcURL, dstURL, filepath.Join(dir, "ledger.jsonl")))

	out, err := runCLI(t, "plan", "--config", cfgPath)
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	if !strings.HasPrefix(out, "1 chunks at level 0") {
		t.Errorf("plan output = %q", out)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, dstURL)
	if err != nil {
		t.Fatalf("Open(dst) error = %v", err)
	}
	defer store.Close()
	exists, err := store.Exists(ctx, volume.InfoKey)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("plan wrote the destination info")
	}
}
