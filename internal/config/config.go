package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// HistoryConfig represents run history configuration
type HistoryConfig struct {
	// Enabled enables recording of flow runs to the history database
	Enabled bool `yaml:"enabled"`

	// DBPath is the path to the history database
	DBPath string `yaml:"db_path"`

	// KeepDays is the number of days to keep completed flow runs
	KeepDays int `yaml:"keep_days"`
}

// Config represents matflow configuration options
type Config struct {
	// MaxConcurrency is the maximum number of concurrent jobs (0 = default)
	MaxConcurrency int `yaml:"max_concurrency"`

	// Timeout is the maximum execution time for a flow
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel sets the logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs will be written
	LogDir string `yaml:"log_dir"`

	// OutputDir is the directory where task documents and trajectories
	// are written
	OutputDir string `yaml:"output_dir"`

	// DryRun enables validation-only mode without execution
	DryRun bool `yaml:"dry_run"`

	// History contains run history configuration
	History HistoryConfig `yaml:"history"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency: 0, // engine default
		Timeout:        10 * time.Hour,
		LogLevel:       "info",
		LogDir:         ".matflow/logs",
		OutputDir:      ".matflow/output",
		DryRun:         false,
		History: HistoryConfig{
			Enabled:  true,
			DBPath:   ".matflow/history.db",
			KeepDays: 90,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Use a temporary struct to handle duration parsing
	type yamlConfig struct {
		MaxConcurrency int           `yaml:"max_concurrency"`
		Timeout        string        `yaml:"timeout"`
		LogLevel       string        `yaml:"log_level"`
		LogDir         string        `yaml:"log_dir"`
		OutputDir      string        `yaml:"output_dir"`
		DryRun         bool          `yaml:"dry_run"`
		History        HistoryConfig `yaml:"history"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply non-zero values from file (merging with defaults)
	if yamlCfg.MaxConcurrency != 0 {
		cfg.MaxConcurrency = yamlCfg.MaxConcurrency
	}
	if yamlCfg.Timeout != "" {
		timeout, err := time.ParseDuration(yamlCfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format %q: %w", yamlCfg.Timeout, err)
		}
		cfg.Timeout = timeout
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}
	if yamlCfg.OutputDir != "" {
		cfg.OutputDir = yamlCfg.OutputDir
	}
	if yamlCfg.DryRun {
		cfg.DryRun = yamlCfg.DryRun
	}

	// Merge the history section field by field so that explicit false/zero
	// values in the file override the defaults.
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err == nil {
		if historySection, exists := rawMap["history"]; exists && historySection != nil {
			history := yamlCfg.History
			historyMap, _ := historySection.(map[string]interface{})

			if _, exists := historyMap["enabled"]; exists {
				cfg.History.Enabled = history.Enabled
			}
			if _, exists := historyMap["db_path"]; exists {
				cfg.History.DBPath = history.DBPath
			}
			if _, exists := historyMap["keep_days"]; exists {
				cfg.History.KeepDays = history.KeepDays
			}
		}
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .matflow/config.yaml in the
// specified directory. If the directory or file doesn't exist, returns
// default configuration without error.
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".matflow", "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(maxConcurrency *int, timeout *time.Duration, logDir *string, outputDir *string, dryRun *bool) {
	if maxConcurrency != nil {
		c.MaxConcurrency = *maxConcurrency
	}
	if timeout != nil {
		c.Timeout = *timeout
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if outputDir != nil {
		c.OutputDir = *outputDir
	}
	if dryRun != nil {
		c.DryRun = *dryRun
	}
}

// Validate validates the configuration values.
// Returns an error if any values are invalid.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0, got %d", c.MaxConcurrency)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}

	// Timeout can be 0 (no timeout) or positive, negative is invalid
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output_dir cannot be empty")
	}

	if c.History.Enabled {
		if c.History.DBPath == "" {
			return fmt.Errorf("history.db_path cannot be empty when history is enabled")
		}
		if c.History.KeepDays < 0 {
			return fmt.Errorf("history.keep_days must be >= 0, got %d", c.History.KeepDays)
		}
	}

	return nil
}
