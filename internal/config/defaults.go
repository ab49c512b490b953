package config

const (
	defaultOutputDir          = "~/.local/share/parcel/output"
	defaultLogDir             = "~/.local/share/parcel/logs"
	defaultLogRetentionDays   = 60
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultMaxPartBytes       = 20 * 1024 * 1024
	defaultBaseOffsetMinutes  = 1
	defaultJitterLow          = 0
	defaultJitterHigh         = 4
	defaultRetentionLag       = 1
	defaultPackageLag         = 1
	defaultSMTPPort           = 587
	defaultSMTPAuth           = "plain"
	defaultSMTPTLSPolicy      = "mandatory"
	defaultSMTPTimeoutSeconds = 60
	defaultNotifyTimeout      = 10
	defaultInboxSchedule      = "30 21 * * *"
	defaultSubject            = "{source} {label}"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
		},
		Archive: Archive{
			MaxPartBytes: defaultMaxPartBytes,
		},
		Delivery: Delivery{
			BaseOffsetMinutes: defaultBaseOffsetMinutes,
			JitterLow:         defaultJitterLow,
			JitterHigh:        defaultJitterHigh,
		},
		Retention: Retention{
			LagPeriods: defaultRetentionLag,
		},
		SMTP: SMTP{
			Port:           defaultSMTPPort,
			Auth:           defaultSMTPAuth,
			TLSPolicy:      defaultSMTPTLSPolicy,
			TimeoutSeconds: defaultSMTPTimeoutSeconds,
		},
		Sources: []Source{
			{
				Name:          "inbox",
				Kind:          SourceKindInbox,
				Period:        "day",
				Schedule:      defaultInboxSchedule,
				PackageLag:    new(defaultPackageLag),
				Subject:       defaultSubject,
				ReclaimSource: true,
			},
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Delivery:       true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
