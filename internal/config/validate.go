package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Logging
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	// Ledger
	if err := c.Ledger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}

	// Signing
	if err := c.Signing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("signing: %w", err))
	}

	// Consolidation
	if err := c.Consolidation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("consolidation: %w", err))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Pruning
	if err := c.Pruning.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pruning: %w", err))
	}

	// Database
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("level must be one of: debug, info, warn, error")
	}
}

// SlogLevel returns the slog level for the configured level string.
func (c *LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks the ledger configuration.
func (c *LedgerConfig) Validate() error {
	if c.MaxSegmentSize <= 0 {
		return errors.New("max_segment_size must be positive")
	}
	return nil
}

// Validate checks the signing configuration.
func (c *SigningConfig) Validate() error {
	var errs []error

	if c.RotationInterval <= 0 {
		errs = append(errs, errors.New("rotation_interval must be positive"))
	}
	if c.RotationCheckInterval <= 0 {
		errs = append(errs, errors.New("rotation_check_interval must be positive"))
	}
	if c.RotationCheckInterval > c.RotationInterval {
		errs = append(errs, errors.New("rotation_check_interval must be <= rotation_interval"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the consolidation configuration.
func (c *ConsolidationConfig) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q is not a loadable IANA zone", c.Timezone))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if c.PercentileAccuracy <= 0 || c.PercentileAccuracy > 1 {
		errs = append(errs, errors.New("percentile_accuracy must be between 0 and 1"))
	}

	if c.ProfoundTargetBytesPerDay <= 0 {
		errs = append(errs, errors.New("profound_target_bytes_per_day must be positive"))
	}

	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		errs = append(errs, errors.New("compression_level must be between 1 and 22"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Raw <= 0 {
		errs = append(errs, errors.New("raw retention must be positive"))
	}

	if c.Basic <= 0 {
		errs = append(errs, errors.New("basic retention must be positive"))
	}

	// A basic summary cannot outlive the raw records it replaced.
	if c.Basic < c.Raw {
		errs = append(errs, errors.New("basic retention should be >= raw retention"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the pruning configuration.
func (c *PruningConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.QueryTimeout <= 0 {
		return errors.New("query_timeout must be positive")
	}
	return nil
}
