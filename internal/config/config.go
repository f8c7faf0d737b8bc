// Package config loads the run configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/ledger"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/scheduler"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Destination init modes.
const (
	InitNone     = ""          // destination info must exist
	InitDerive   = "derive"    // copy source info when missing
	InitAddScale = "add_scale" // copy source info and append the next mip level
)

type Config struct {
	Source      volume.Config     `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	Stage       StageConfig       `yaml:"stage"`
	Run         RunConfig         `yaml:"run"`
	Scheduler   scheduler.Config  `yaml:"scheduler"`
	Ledger      ledger.Config     `yaml:"ledger"`
	Report      ReportConfig      `yaml:"report"`
	Provenance  ProvenanceConfig  `yaml:"provenance"`
	Catalog     catalog.Config    `yaml:"catalog"`
	Metrics     metrics.Config    `yaml:"metrics"`
	Logging     logging.Config    `yaml:"logging"`
}

type DestinationConfig struct {
	volume.Config `yaml:",inline"`
	Init          string `yaml:"init"`     // "", "derive" or "add_scale"
	Encoding      string `yaml:"encoding"` // overrides the derived encoding
}

type StageConfig struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

type RunConfig struct {
	Region *grid.BBox `yaml:"region"`
	Level  int        `yaml:"level"`
	// ResumeFrom names a JSON-lines ledger file to resume from. When empty
	// a resume reads the configured ledger.
	ResumeFrom string `yaml:"resume_from"`
	// NumMips is the number of consecutive levels a downsample run builds,
	// starting at Level. Each level after the first reads the level the
	// previous one wrote into the destination.
	NumMips int `yaml:"num_mips"`
}

// Mips returns the number of levels to build, at least one.
func (r RunConfig) Mips() int {
	return max(r.NumMips, 1)
}

type ReportConfig struct {
	URL string `yaml:"url"` // storage URL; reports are skipped when empty
}

type ProvenanceConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Description string   `yaml:"description"`
	Owners      []string `yaml:"owners"`
	By          string   `yaml:"by"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Source:      volume.Config{Kind: volume.KindImage, IOTimeout: 30 * time.Second},
		Destination: DestinationConfig{Config: volume.Config{Kind: volume.KindImage, IOTimeout: 30 * time.Second}},
		Stage:       StageConfig{Name: "copy"},
		Scheduler:   scheduler.DefaultConfig(),
		Ledger:      ledger.Config{Backend: "file", Path: "./ledger.jsonl"},
		Catalog:     catalog.Config{Namespace: "default"},
		Metrics:     metrics.Config{Address: ":9090"},
		Logging:     logging.Config{Format: "json", Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Source.URL = getenvDefault("SOURCE_URL", cfg.Source.URL)
	cfg.Destination.URL = getenvDefault("DESTINATION_URL", cfg.Destination.URL)
	cfg.Stage.Name = getenvDefault("STAGE", cfg.Stage.Name)
	cfg.Ledger.Backend = getenvDefault("LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.Path = getenvDefault("LEDGER_PATH", cfg.Ledger.Path)
	cfg.Report.URL = getenvDefault("REPORT_URL", cfg.Report.URL)
	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", cfg.Catalog.Namespace)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}

	var err error
	if cfg.Scheduler.Concurrency, err = envInt("CONCURRENCY", cfg.Scheduler.Concurrency); err != nil {
		return err
	}
	if cfg.Scheduler.MaxAttempts, err = envInt("MAX_RETRIES", cfg.Scheduler.MaxAttempts); err != nil {
		return err
	}
	if cfg.Run.Level, err = envInt("LEVEL", cfg.Run.Level); err != nil {
		return err
	}
	if cfg.Run.NumMips, err = envInt("NUM_MIPS", cfg.Run.NumMips); err != nil {
		return err
	}
	if cfg.Scheduler.BackoffBase, err = envDuration("BACKOFF_BASE", cfg.Scheduler.BackoffBase); err != nil {
		return err
	}
	if cfg.Scheduler.BackoffCap, err = envDuration("BACKOFF_CAP", cfg.Scheduler.BackoffCap); err != nil {
		return err
	}
	timeout, err := envDuration("IO_TIMEOUT", 0)
	if err != nil {
		return err
	}
	if timeout > 0 {
		cfg.Source.IOTimeout = timeout
		cfg.Destination.IOTimeout = timeout
	}
	return nil
}

// Validate checks the fields a run cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required"))
	}
	if c.Destination.URL == "" {
		errs = append(errs, errors.New("destination.url is required"))
	}
	if c.Stage.Name == "" {
		errs = append(errs, errors.New("stage.name is required"))
	}
	switch c.Source.Kind {
	case volume.KindImage, volume.KindMesh:
	default:
		errs = append(errs, fmt.Errorf("source.kind %q", c.Source.Kind))
	}
	switch c.Destination.Kind {
	case volume.KindImage, volume.KindMesh:
	default:
		errs = append(errs, fmt.Errorf("destination.kind %q", c.Destination.Kind))
	}
	switch c.Destination.Init {
	case InitNone, InitDerive, InitAddScale:
	default:
		errs = append(errs, fmt.Errorf("destination.init %q", c.Destination.Init))
	}
	if c.Scheduler.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency %d", c.Scheduler.Concurrency))
	}
	if c.Scheduler.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_retries %d", c.Scheduler.MaxAttempts))
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("scheduler.jitter %v not in [0,1)", c.Scheduler.Jitter))
	}
	if c.Run.Level < 0 {
		errs = append(errs, fmt.Errorf("run.level %d", c.Run.Level))
	}
	if c.Run.NumMips < 0 {
		errs = append(errs, fmt.Errorf("run.num_mips %d", c.Run.NumMips))
	}
	if c.Run.NumMips > 1 && c.Destination.Init != InitAddScale {
		errs = append(errs, errors.New("run.num_mips above 1 needs destination.init add_scale"))
	}
	if c.Run.Region != nil && c.Run.Region.Empty() {
		errs = append(errs, fmt.Errorf("run.region %v is empty", *c.Run.Region))
	}
	switch c.Ledger.Backend {
	case "memory":
	case "file", "bolt":
		if c.Ledger.Path == "" {
			errs = append(errs, fmt.Errorf("ledger.path required for %s backend", c.Ledger.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q", c.Ledger.Backend))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address required when metrics are enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
