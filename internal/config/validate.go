package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	if err := c.validateWatchdog(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	if err := c.validateIntake(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		return errors.New("paths.work_dir must be set")
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		return errors.New("paths.output_dir must be set")
	}
	if c.Paths.WorkDir == c.Paths.OutputDir {
		return errors.New("paths.work_dir and paths.output_dir must differ")
	}
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind %q: %w", c.Paths.APIBind, err)
	}
	return nil
}

func (c *Config) validateRecovery() error {
	r := c.Recovery
	if r.PrimaryTimeout <= 0 {
		return errors.New("recovery.primary_timeout must be positive")
	}
	if r.TableTimeout <= 0 {
		return errors.New("recovery.table_timeout must be positive")
	}
	if r.MaxPrimaryOutputMiB <= 0 {
		return errors.New("recovery.max_primary_output_mib must be positive")
	}
	if r.StandardCeiling <= 0 {
		return errors.New("recovery.standard_ceiling must be positive")
	}
	if r.ExhaustiveCeiling < r.StandardCeiling {
		return errors.New("recovery.exhaustive_ceiling must be at least recovery.standard_ceiling")
	}
	if c.Materialize.Timeout <= 0 {
		return errors.New("materialize.timeout must be positive")
	}
	return nil
}

func (c *Config) validateWatchdog() error {
	w := c.Watchdog
	if w.NoOutputGrace <= 0 {
		return errors.New("watchdog.no_output_grace must be positive")
	}
	if w.StallWindow <= 0 {
		return errors.New("watchdog.stall_window must be positive")
	}
	if w.StallMinMiB < 0 {
		return errors.New("watchdog.stall_min_mib must be >= 0")
	}
	if w.Ceiling <= 0 {
		return errors.New("watchdog.ceiling must be positive")
	}
	if w.SignificantJumpMiB <= 0 {
		return errors.New("watchdog.significant_jump_mib must be positive")
	}
	if w.CheckIntervalMillis >= w.NoOutputGrace*1000 {
		return errors.New("watchdog.check_interval_ms must be shorter than watchdog.no_output_grace")
	}
	return nil
}

func (c *Config) validateRetention() error {
	if c.Retention.SessionTTL <= 0 {
		return errors.New("retention.session_ttl must be positive")
	}
	if c.Retention.DownloadTTL < 0 {
		return errors.New("retention.download_ttl must be >= 0")
	}
	if c.Retention.StalledWindow < c.Retention.ActiveWindow {
		return errors.New("retention.stalled_window must be at least retention.active_window")
	}
	return nil
}

func (c *Config) validateIntake() error {
	if c.Intake.MaxUploadMiB <= 0 {
		return errors.New("intake.max_upload_mib must be positive")
	}
	if c.Intake.MaxExtractMiB <= 0 {
		return errors.New("intake.max_extract_mib must be positive")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic == "" {
		return nil
	}
	u, err := url.Parse(topic)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic %q must be an http(s) URL", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
}
