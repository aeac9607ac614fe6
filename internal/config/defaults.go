package config

const (
	defaultWorkDir             = "~/.local/share/sqlrescue/work"
	defaultOutputDir           = "~/.local/share/sqlrescue/output"
	defaultLogDir              = "~/.local/share/sqlrescue/logs"
	defaultAPIBind             = "127.0.0.1:7490"
	defaultSQLiteBinary        = "sqlite3"
	defaultProbeTimeout        = 10
	defaultPrimaryTimeout      = 300
	defaultTableTimeout        = 30
	defaultListTimeout         = 60
	defaultSchemaTimeout       = 60
	defaultMaxPrimaryOutputMiB = 256
	defaultStandardCeiling     = 600
	defaultExhaustiveCeiling   = 1800
	defaultKillGraceMillis     = 1000
	defaultNoOutputGrace       = 15
	defaultStallWindow         = 90
	defaultStallMinMiB         = 1
	defaultWatchdogCeiling     = 180
	defaultSignificantJumpMiB  = 10
	defaultCheckIntervalMillis = 1000
	defaultWatchdogProgress    = 5
	defaultMaterializeTimeout  = 600
	defaultMaterializeProgress = 2
	defaultSessionTTL          = 3600
	defaultDownloadTTL         = 300
	defaultSweepInterval       = 300
	defaultActiveWindow        = 30
	defaultStalledWindow       = 300
	defaultMaxUploadMiB        = 2048
	defaultMaxExtractMiB       = 4096
	defaultNtfyRequestTimeout  = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogRetentionDays    = 30
	envSQLiteBinary            = "SQLRESCUE_SQLITE_BINARY"
	envAPIBind                 = "SQLRESCUE_API_BIND"
	envWorkDir                 = "SQLRESCUE_WORK_DIR"
	envOutputDir               = "SQLRESCUE_OUTPUT_DIR"
	envNtfyTopic               = "SQLRESCUE_NTFY_TOPIC"
	envLogLevel                = "SQLRESCUE_LOG_LEVEL"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:   defaultWorkDir,
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		SQLite: SQLite{
			Binary:       defaultSQLiteBinary,
			ProbeTimeout: defaultProbeTimeout,
		},
		Recovery: Recovery{
			PrimaryTimeout:      defaultPrimaryTimeout,
			TableTimeout:        defaultTableTimeout,
			ListTimeout:         defaultListTimeout,
			SchemaTimeout:       defaultSchemaTimeout,
			MaxPrimaryOutputMiB: defaultMaxPrimaryOutputMiB,
			StandardCeiling:     defaultStandardCeiling,
			ExhaustiveCeiling:   defaultExhaustiveCeiling,
			KillGraceMillis:     defaultKillGraceMillis,
		},
		Watchdog: Watchdog{
			NoOutputGrace:       defaultNoOutputGrace,
			StallWindow:         defaultStallWindow,
			StallMinMiB:         defaultStallMinMiB,
			Ceiling:             defaultWatchdogCeiling,
			SignificantJumpMiB:  defaultSignificantJumpMiB,
			CheckIntervalMillis: defaultCheckIntervalMillis,
			ProgressInterval:    defaultWatchdogProgress,
		},
		Materialize: Materialize{
			Timeout:          defaultMaterializeTimeout,
			ProgressInterval: defaultMaterializeProgress,
		},
		Retention: Retention{
			SessionTTL:    defaultSessionTTL,
			DownloadTTL:   defaultDownloadTTL,
			SweepInterval: defaultSweepInterval,
			ActiveWindow:  defaultActiveWindow,
			StalledWindow: defaultStalledWindow,
		},
		Intake: Intake{
			MaxUploadMiB:  defaultMaxUploadMiB,
			MaxExtractMiB: defaultMaxExtractMiB,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
			NotifySuccess:  true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
