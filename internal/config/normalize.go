package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnv()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSQLite()
	c.normalizeRecovery()
	c.normalizeWatchdog()
	c.normalizeRetention()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) applyEnv() {
	if value, ok := lookupEnv(envSQLiteBinary); ok {
		c.SQLite.Binary = value
	}
	if value, ok := lookupEnv(envAPIBind); ok {
		c.Paths.APIBind = value
	}
	if value, ok := lookupEnv(envWorkDir); ok {
		c.Paths.WorkDir = value
	}
	if value, ok := lookupEnv(envOutputDir); ok {
		c.Paths.OutputDir = value
	}
	if value, ok := lookupEnv(envNtfyTopic); ok {
		c.Notifications.NtfyTopic = value
	}
	if value, ok := lookupEnv(envLogLevel); ok {
		c.Logging.Level = value
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	var err error
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeSQLite() {
	c.SQLite.Binary = strings.TrimSpace(c.SQLite.Binary)
	if c.SQLite.Binary == "" {
		c.SQLite.Binary = defaultSQLiteBinary
	}
	if c.SQLite.ProbeTimeout <= 0 {
		c.SQLite.ProbeTimeout = defaultProbeTimeout
	}
}

func (c *Config) normalizeRecovery() {
	if c.Recovery.KillGraceMillis <= 0 {
		c.Recovery.KillGraceMillis = defaultKillGraceMillis
	}
	if c.Recovery.ListTimeout <= 0 {
		c.Recovery.ListTimeout = defaultListTimeout
	}
	if c.Recovery.SchemaTimeout <= 0 {
		c.Recovery.SchemaTimeout = defaultSchemaTimeout
	}
}

func (c *Config) normalizeWatchdog() {
	if c.Watchdog.CheckIntervalMillis <= 0 {
		c.Watchdog.CheckIntervalMillis = defaultCheckIntervalMillis
	}
	if c.Watchdog.ProgressInterval <= 0 {
		c.Watchdog.ProgressInterval = defaultWatchdogProgress
	}
	if c.Materialize.ProgressInterval <= 0 {
		c.Materialize.ProgressInterval = defaultMaterializeProgress
	}
}

func (c *Config) normalizeRetention() {
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = defaultSweepInterval
	}
	if c.Retention.ActiveWindow <= 0 {
		c.Retention.ActiveWindow = defaultActiveWindow
	}
	if c.Retention.StalledWindow <= 0 {
		c.Retention.StalledWindow = defaultStalledWindow
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNtfyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
