package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	WorkDir   string `toml:"work_dir"`
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
	APIBind   string `toml:"api_bind"`
}

// SQLite contains configuration for the external sqlite3 command-line shell.
type SQLite struct {
	Binary       string `toml:"binary"`
	ProbeTimeout int    `toml:"probe_timeout"`
}

// Recovery contains timeouts and ceilings for the recovery strategy chain.
type Recovery struct {
	PrimaryTimeout      int `toml:"primary_timeout"`
	TableTimeout        int `toml:"table_timeout"`
	ListTimeout         int `toml:"list_timeout"`
	SchemaTimeout       int `toml:"schema_timeout"`
	MaxPrimaryOutputMiB int `toml:"max_primary_output_mib"`
	StandardCeiling     int `toml:"standard_ceiling"`
	ExhaustiveCeiling   int `toml:"exhaustive_ceiling"`
	KillGraceMillis     int `toml:"kill_grace_ms"`
}

// Watchdog contains thresholds for the streaming dump monitor.
type Watchdog struct {
	NoOutputGrace       int `toml:"no_output_grace"`
	StallWindow         int `toml:"stall_window"`
	StallMinMiB         int `toml:"stall_min_mib"`
	Ceiling             int `toml:"ceiling"`
	SignificantJumpMiB  int `toml:"significant_jump_mib"`
	CheckIntervalMillis int `toml:"check_interval_ms"`
	ProgressInterval    int `toml:"progress_interval"`
}

// Materialize contains configuration for replaying scripts into databases.
type Materialize struct {
	Timeout          int `toml:"timeout"`
	ProgressInterval int `toml:"progress_interval"`
}

// Retention controls how long sessions and artifacts stay around.
type Retention struct {
	SessionTTL    int `toml:"session_ttl"`
	DownloadTTL   int `toml:"download_ttl"`
	SweepInterval int `toml:"sweep_interval"`
	ActiveWindow  int `toml:"active_window"`
	StalledWindow int `toml:"stalled_window"`
}

// Intake bounds uploaded files and archive extraction.
type Intake struct {
	MaxUploadMiB  int `toml:"max_upload_mib"`
	MaxExtractMiB int `toml:"max_extract_mib"`
}

// Notifications configures ntfy alerts for finished sessions.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	NotifySuccess  bool   `toml:"notify_success"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for sqlrescue.
//
// Configuration sections by subsystem:
//   - Paths: work/output/log directories and API bind address
//   - SQLite: the sqlite3 shell used for every recovery step
//   - Recovery: per-strategy timeouts and whole-session ceilings
//   - Watchdog: stall and plateau detection for streamed dumps
//   - Materialize: script replay timeout and progress cadence
//   - Retention: session expiry and download cleanup
//   - Intake: upload and archive extraction limits
//   - Notifications: optional ntfy alerts when sessions finish
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	SQLite        SQLite        `toml:"sqlite"`
	Recovery      Recovery      `toml:"recovery"`
	Watchdog      Watchdog      `toml:"watchdog"`
	Materialize   Materialize   `toml:"materialize"`
	Retention     Retention     `toml:"retention"`
	Intake        Intake        `toml:"intake"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sqlrescue/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("sqlrescue.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.OutputDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SQLiteBinary returns the sqlite3 executable used for recovery.
func (c *Config) SQLiteBinary() string {
	if bin := strings.TrimSpace(c.SQLite.Binary); bin != "" {
		return bin
	}
	return defaultSQLiteBinary
}

// Seconds converts a seconds-valued setting into a duration.
func Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

// Millis converts a milliseconds-valued setting into a duration.
func Millis(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

// MiB converts a mebibyte-valued setting into bytes.
func MiB(value int) int64 {
	return int64(value) << 20
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
