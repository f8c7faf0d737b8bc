package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

const sample = `
source:
  url: file:///data/raw
  fill_missing: true
destination:
  url: gs://bucket/processed
  compression: zstd
  init: add_scale
stage:
  name: downsample
  params:
    factor: [2, 2, 1]
    method: mode
run:
  level: 1
  num_mips: 2
  region:
    min: [0, 0, 0]
    max: [512, 512, 64]
scheduler:
  concurrency: 16
  max_retries: 5
  backoff_base: 250ms
ledger:
  backend: bolt
  path: /var/lib/copier/ledger.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if !cfg.Source.FillMissing || cfg.Source.Kind != volume.KindImage {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Destination.Compression != volume.CompressionZstd || cfg.Destination.Init != InitAddScale {
		t.Errorf("destination = %+v", cfg.Destination)
	}
	if cfg.Destination.IOTimeout != 30*time.Second {
		t.Errorf("destination io_timeout = %v, want default 30s", cfg.Destination.IOTimeout)
	}
	if cfg.Stage.Params["method"] != "mode" {
		t.Errorf("stage params = %v", cfg.Stage.Params)
	}
	want := grid.BBox{Max: grid.Vec3{512, 512, 64}}
	if cfg.Run.Region == nil || *cfg.Run.Region != want || cfg.Run.Level != 1 || cfg.Run.Mips() != 2 {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Scheduler.Concurrency != 16 || cfg.Scheduler.MaxAttempts != 5 || cfg.Scheduler.BackoffBase != 250*time.Millisecond {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.BackoffCap != 30*time.Second {
		t.Errorf("backoff_cap = %v, want default", cfg.Scheduler.BackoffCap)
	}
	if cfg.Ledger.Backend != "bolt" {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONCURRENCY", "3")
	t.Setenv("IO_TIMEOUT", "5s")
	t.Setenv("DESTINATION_URL", "file:///tmp/out")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Concurrency != 3 {
		t.Errorf("concurrency = %d, want 3", cfg.Scheduler.Concurrency)
	}
	if cfg.Source.IOTimeout != 5*time.Second || cfg.Destination.IOTimeout != 5*time.Second {
		t.Errorf("io timeouts = %v / %v", cfg.Source.IOTimeout, cfg.Destination.IOTimeout)
	}
	if cfg.Destination.URL != "file:///tmp/out" || cfg.Logging.Level != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("MAX_RETRIES", "many")
	if _, err := Load(""); err == nil {
		t.Fatal("Load() with bad MAX_RETRIES succeeded")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Source.URL = "file:///a"
		cfg.Destination.URL = "file:///b"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing source", func(c *Config) { c.Source.URL = "" }},
		{"bad kind", func(c *Config) { c.Destination.Kind = "points" }},
		{"bad init", func(c *Config) { c.Destination.Init = "grow" }},
		{"negative level", func(c *Config) { c.Run.Level = -1 }},
		{"empty region", func(c *Config) { c.Run.Region = &grid.BBox{Min: grid.Vec3{4, 4, 4}, Max: grid.Vec3{4, 8, 8}} }},
		{"jitter", func(c *Config) { c.Scheduler.Jitter = 1.5 }},
		{"ledger path", func(c *Config) { c.Ledger.Path = "" }},
		{"ledger backend", func(c *Config) { c.Ledger.Backend = "sqlite" }},
		{"negative mips", func(c *Config) { c.Run.NumMips = -1 }},
		{"mips without add_scale", func(c *Config) { c.Run.NumMips = 2 }},
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
