package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxConcurrency != 0 {
		t.Errorf("MaxConcurrency = %d, want 0", cfg.MaxConcurrency)
	}
	if cfg.Timeout != 10*time.Hour {
		t.Errorf("Timeout = %v, want 10h", cfg.Timeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogDir != ".matflow/logs" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, ".matflow/logs")
	}
	if cfg.OutputDir != ".matflow/output" {
		t.Errorf("OutputDir = %q, want %q", cfg.OutputDir, ".matflow/output")
	}
	if !cfg.History.Enabled {
		t.Error("History.Enabled = false, want true")
	}
	if cfg.History.DBPath != ".matflow/history.db" {
		t.Errorf("History.DBPath = %q, want %q", cfg.History.DBPath, ".matflow/history.db")
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `max_concurrency: 5
timeout: 30m
log_level: debug
log_dir: /tmp/logs
output_dir: /tmp/out
dry_run: true
history:
  enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.MaxConcurrency != 5 {
		t.Errorf("MaxConcurrency = %d, want 5", cfg.MaxConcurrency)
	}
	if cfg.Timeout != 30*time.Minute {
		t.Errorf("Timeout = %v, want 30m", cfg.Timeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.LogDir != "/tmp/logs" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/tmp/logs")
	}
	if cfg.OutputDir != "/tmp/out" {
		t.Errorf("OutputDir = %q, want %q", cfg.OutputDir, "/tmp/out")
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}
	if cfg.History.Enabled {
		t.Error("History.Enabled = true, want false (explicitly disabled)")
	}
	// db_path was not set in the file, default should survive
	if cfg.History.DBPath != ".matflow/history.db" {
		t.Errorf("History.DBPath = %q, want default", cfg.History.DBPath)
	}
}

// TestLoadConfigFileNotExists tests fallback to defaults when file doesn't exist
func TestLoadConfigFileNotExists(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() should not error on missing file, got: %v", err)
	}

	if cfg.MaxConcurrency != 0 {
		t.Errorf("MaxConcurrency = %d, want 0 (default)", cfg.MaxConcurrency)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q (default)", cfg.LogLevel, "info")
	}
}

// TestLoadConfigInvalidYAML tests error handling for malformed YAML
func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
max_concurrency: 5
timeout: [this is not valid
log_level: debug
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("LoadConfig() expected error for invalid YAML, got nil")
	}
}

// TestLoadConfigInvalidTimeout tests error handling for bad duration strings
func TestLoadConfigInvalidTimeout(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("timeout: not-a-duration\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("LoadConfig() expected error for invalid timeout, got nil")
	}
}

// TestLoadConfigPartialValues tests that partial config merges with defaults
func TestLoadConfigPartialValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `max_concurrency: 8
log_level: warn
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", cfg.MaxConcurrency)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
	// Unset values keep their defaults
	if cfg.Timeout != 10*time.Hour {
		t.Errorf("Timeout = %v, want 10h (default)", cfg.Timeout)
	}
	if cfg.LogDir != ".matflow/logs" {
		t.Errorf("LogDir = %q, want default", cfg.LogDir)
	}
}

// TestLoadConfigFromDir tests loading from the .matflow directory convention
func TestLoadConfigFromDir(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ".matflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	configContent := "max_concurrency: 3\n"
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfigFromDir(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfigFromDir() error = %v", err)
	}
	if cfg.MaxConcurrency != 3 {
		t.Errorf("MaxConcurrency = %d, want 3", cfg.MaxConcurrency)
	}
}

// TestMergeWithFlags tests CLI flag precedence over config file values
func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()

	maxConcurrency := 16
	timeout := 5 * time.Minute
	logDir := "/var/log/matflow"
	dryRun := true

	cfg.MergeWithFlags(&maxConcurrency, &timeout, &logDir, nil, &dryRun)

	if cfg.MaxConcurrency != 16 {
		t.Errorf("MaxConcurrency = %d, want 16", cfg.MaxConcurrency)
	}
	if cfg.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", cfg.Timeout)
	}
	if cfg.LogDir != "/var/log/matflow" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/var/log/matflow")
	}
	if cfg.OutputDir != ".matflow/output" {
		t.Errorf("OutputDir = %q, want default (nil flag)", cfg.OutputDir)
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}
}

// TestValidate tests configuration validation rules
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"negative concurrency", func(c *Config) { c.MaxConcurrency = -1 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, true},
		{"zero timeout allowed", func(c *Config) { c.Timeout = 0 }, false},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }, true},
		{"history enabled without db path", func(c *Config) { c.History.DBPath = "" }, true},
		{"history disabled ignores db path", func(c *Config) { c.History.Enabled = false; c.History.DBPath = "" }, false},
		{"negative keep days", func(c *Config) { c.History.KeepDays = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
