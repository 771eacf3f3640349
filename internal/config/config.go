// Package config loads guardstats.yaml with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slyt3/guardstats/internal/analytics/store"
	"github.com/slyt3/guardstats/internal/ingest"
)

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = "GUARDSTATS_CONFIG"

// DefaultPath is used when neither a flag nor EnvConfigPath is set.
const DefaultPath = "guardstats.yaml"

type Config struct {
	Storage  Storage `yaml:"storage"`
	Ingest   Ingest  `yaml:"ingest"`
	Harness  Harness `yaml:"harness"`
	API      API     `yaml:"api"`
	Export   Export  `yaml:"export"`
	LogLevel string  `yaml:"log_level"`
}

type Storage struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	SummaryPath   string        `yaml:"summary_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteThrough  bool          `yaml:"write_through"`
}

type Ingest struct {
	BufferSize   int    `yaml:"buffer_size"`
	Backpressure string `yaml:"backpressure"`
}

type Harness struct {
	Concurrency int    `yaml:"concurrency"`
	RulesPath   string `yaml:"rules_path"`
	CasesPath   string `yaml:"cases_path"`
}

// Export configures bundle signing. An empty SigningKey leaves bundles
// unsigned; a missing key file is generated on first use.
type Export struct {
	SigningKey string `yaml:"signing_key"`
}

type API struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Storage: Storage{
			Backend:       store.BackendFile,
			Path:          "test_analytics.json",
			SummaryPath:   "current_test_summary.json",
			FlushInterval: 5 * time.Second,
		},
		Ingest: Ingest{
			BufferSize:   1024,
			Backpressure: "drop",
		},
		Harness: Harness{
			Concurrency: 4,
			RulesPath:   "filter_rules.yaml",
		},
		API: API{
			Listen:          "127.0.0.1:9998",
			ShutdownTimeout: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads path, or the file named by GUARDSTATS_CONFIG, or
// guardstats.yaml. A missing file yields defaults; environment overrides are
// applied last.
func Load(path string) (Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return Config{}, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config YAML %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("GUARDSTATS_STORAGE_BACKEND", &c.Storage.Backend)
	str("GUARDSTATS_STORAGE_PATH", &c.Storage.Path)
	str("GUARDSTATS_SUMMARY_PATH", &c.Storage.SummaryPath)
	str("GUARDSTATS_BACKPRESSURE", &c.Ingest.Backpressure)
	str("GUARDSTATS_RULES_PATH", &c.Harness.RulesPath)
	str("GUARDSTATS_CASES_PATH", &c.Harness.CasesPath)
	str("GUARDSTATS_LISTEN", &c.API.Listen)
	str("GUARDSTATS_SIGNING_KEY", &c.Export.SigningKey)
	str("GUARDSTATS_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("GUARDSTATS_BUFFER_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GUARDSTATS_BUFFER_SIZE: %w", err)
		}
		c.Ingest.BufferSize = n
	}
	if v, ok := lookup("GUARDSTATS_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GUARDSTATS_CONCURRENCY: %w", err)
		}
		c.Harness.Concurrency = n
	}
	if v, ok := lookup("GUARDSTATS_FLUSH_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GUARDSTATS_FLUSH_INTERVAL: %w", err)
		}
		c.Storage.FlushInterval = d
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case store.BackendFile, store.BackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", store.BackendFile, store.BackendSQLite, c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Storage.FlushInterval < 0 {
		return fmt.Errorf("storage.flush_interval must not be negative")
	}
	if c.Ingest.BufferSize <= 0 || c.Ingest.BufferSize > 1<<20 {
		return fmt.Errorf("ingest.buffer_size must be in [1, %d], got %d", 1<<20, c.Ingest.BufferSize)
	}
	if _, err := ingest.ParseBackpressure(c.Ingest.Backpressure); err != nil {
		return fmt.Errorf("ingest.backpressure: %w", err)
	}
	if c.Harness.Concurrency < 1 || c.Harness.Concurrency > 256 {
		return fmt.Errorf("harness.concurrency must be in [1, 256], got %d", c.Harness.Concurrency)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "critical":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.API.ShutdownTimeout <= 0 {
		return fmt.Errorf("api.shutdown_timeout must be positive")
	}
	return nil
}

// Backpressure returns the parsed ingest backpressure mode.
func (c Config) Backpressure() ingest.BackpressureMode {
	mode, _ := ingest.ParseBackpressure(c.Ingest.Backpressure)
	return mode
}
