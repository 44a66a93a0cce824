package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chronicle configuration.
type Config struct {
	// DataDir is the root directory for all chronicle state.
	DataDir string `yaml:"data_dir"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Ledger configures the append-only audit ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Signing configures entry signing and key rotation.
	Signing SigningConfig `yaml:"signing"`

	// Consolidation configures the tiered consolidation scheduler.
	Consolidation ConsolidationConfig `yaml:"consolidation"`

	// Retention defines how long each consolidation level is kept.
	Retention RetentionConfig `yaml:"retention"`

	// Pruning configures the background prune worker.
	Pruning PruningConfig `yaml:"pruning"`

	// Database configures the DuckDB correlation store.
	Database DatabaseConfig `yaml:"database"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON enables JSON output instead of text.
	JSON bool `yaml:"json"`
}

// LedgerConfig configures the append-only audit ledger.
type LedgerConfig struct {
	// Dir is the ledger directory. Defaults to {DataDir}/ledger.
	Dir string `yaml:"dir"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// SigningConfig configures entry signing and key rotation.
type SigningConfig struct {
	// RotationInterval is the maximum age of the active signing key
	// before a new one is generated.
	RotationInterval time.Duration `yaml:"rotation_interval"`

	// RotationCheckInterval is how often the engine checks whether the
	// active key is due for rotation.
	RotationCheckInterval time.Duration `yaml:"rotation_check_interval"`
}

// ConsolidationConfig configures the tiered consolidation scheduler.
type ConsolidationConfig struct {
	// Timezone is the IANA zone name for calendar-aligned period
	// boundaries. Default: UTC
	Timezone string `yaml:"timezone"`

	// PollInterval is how often the scheduler checks for due periods.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Workers is the number of tiers processed in parallel.
	Workers int `yaml:"workers"`

	// PercentileAccuracy is the DDSketch relative accuracy
	// (0.01 = 1% error).
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`

	// ProfoundTargetBytesPerDay is the post-compression payload budget
	// per calendar day after profound consolidation.
	ProfoundTargetBytesPerDay int64 `yaml:"profound_target_bytes_per_day"`

	// CompressionLevel is the zstd level used by profound consolidation
	// (1-22).
	CompressionLevel int `yaml:"compression_level"`
}

// RetentionConfig defines how long each consolidation level is kept.
//
// Extensive summaries have no retention of their own; they are consumed
// in place by profound consolidation.
type RetentionConfig struct {
	// Raw is the retention for raw records after basic consolidation.
	Raw time.Duration `yaml:"raw"`

	// Basic is the retention for basic summaries after extensive
	// consolidation.
	Basic time.Duration `yaml:"basic"`
}

// PruningConfig configures the background prune worker.
type PruningConfig struct {
	// Interval is how often prunable records are swept.
	Interval time.Duration `yaml:"interval"`

	// DryRun logs what would be pruned without deleting anything.
	DryRun bool `yaml:"dry_run"`
}

// DatabaseConfig configures the DuckDB correlation store.
type DatabaseConfig struct {
	// Path is the database file. Defaults to {DataDir}/chronicle.db.
	Path string `yaml:"path"`

	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// QueryTimeout is the per-query timeout.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/chronicle",
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Ledger: LedgerConfig{
			MaxSegmentSize: 64 * 1024 * 1024, // 64MB
		},
		Signing: SigningConfig{
			RotationInterval:      90 * 24 * time.Hour,
			RotationCheckInterval: time.Hour,
		},
		Consolidation: ConsolidationConfig{
			Timezone:                  "UTC",
			PollInterval:              time.Minute,
			Workers:                   3,
			PercentileAccuracy:        0.01,
			ProfoundTargetBytesPerDay: 20 * 1024 * 1024, // 20MB
			CompressionLevel:          3,
		},
		Retention: RetentionConfig{
			Raw:   24 * time.Hour,
			Basic: 7 * 24 * time.Hour,
		},
		Pruning: PruningConfig{
			Interval: time.Hour,
			DryRun:   false,
		},
		Database: DatabaseConfig{
			MemoryLimit:  "1GB",
			QueryTimeout: 30 * time.Second,
		},
	}
}

// Location returns the consolidation timezone. Falls back to UTC when
// the zone name does not load; Validate rejects such a name first.
func (c *ConsolidationConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LedgerDir returns the ledger directory path.
func (c *Config) LedgerDir() string {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir
	}
	return filepath.Join(c.DataDir, "ledger")
}

// DatabasePath returns the correlation store database file path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "chronicle.db")
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.LedgerDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
