// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"

	"github.com/aristath/zfit/internal/shm"
)

// Config holds application configuration
type Config struct {
	DataDir  string `yaml:"data_dir"` // Directory of the results database (always absolute)
	LogLevel string `yaml:"log_level"`
	Port     int    `yaml:"port"`
	DevMode  bool   `yaml:"dev_mode"`

	Workers int    `yaml:"workers"` // Local fit goroutines per rank
	NMinima int    `yaml:"nminima"` // Candidates kept per template
	ShmDir  string `yaml:"shm_dir"` // Directory of shared-memory segments
	HubURL  string `yaml:"hub_url"` // ws:// address of the collective hub, empty for single process

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig controls periodic upload of the results database
type ArchiveConfig struct {
	Bucket   string `yaml:"bucket"` // Empty disables archiving
	Prefix   string `yaml:"prefix"`
	Schedule string `yaml:"schedule"` // cron spec
	Region   string `yaml:"region"`

	RetentionDays int `yaml:"retention_days"` // 0 keeps every archive
}

// Retention returns the archive retention as a duration.
func (a ArchiveConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// Enabled reports whether archiving is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Load reads configuration from the environment, then applies the YAML file
// named by ZFIT_CONFIG on top.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:  getEnv("ZFIT_DATA_DIR", "./data"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("ZFIT_PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Workers:  getEnvAsInt("ZFIT_WORKERS", defaultWorkers()),
		NMinima:  getEnvAsInt("ZFIT_NMINIMA", 3),
		ShmDir:   getEnv("ZFIT_SHM_DIR", shm.DefaultDir()),
		HubURL:   getEnv("ZFIT_HUB_URL", ""),
		Archive: ArchiveConfig{
			Bucket:   getEnv("ZFIT_ARCHIVE_BUCKET", ""),
			Prefix:   getEnv("ZFIT_ARCHIVE_PREFIX", "zfit"),
			Schedule: getEnv("ZFIT_ARCHIVE_SCHEDULE", "@every 6h"),
			Region:   getEnv("AWS_REGION", ""),

			RetentionDays: getEnvAsInt("ZFIT_ARCHIVE_RETENTION_DAYS", 30),
		},
	}

	if path := getEnv("ZFIT_CONFIG", ""); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay applies the fields present in a YAML file; absent fields keep their
// current values.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that numeric settings are usable
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.NMinima <= 0 {
		return fmt.Errorf("nminima must be positive, got %d", c.NMinima)
	}
	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive retention must not be negative, got %d", c.Archive.RetentionDays)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// DatabasePath returns the path of the results database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "results.db")
}

// defaultWorkers is the physical core count, falling back to logical CPUs.
func defaultWorkers() int {
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
