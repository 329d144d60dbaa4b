package config

const (
	defaultDataDir          = "~/.local/share/uploadq"
	defaultLogDir           = "~/.local/share/uploadq/logs"
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
	defaultRequestTimeout   = 10
	defaultMaxActiveUploads = 1
	defaultPollInterval     = 3
	defaultUploadWeight     = 0.3
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Ingest: Ingest{
			RequestTimeout: defaultRequestTimeout,
		},
		Queue: Queue{
			MaxActiveUploads: defaultMaxActiveUploads,
			PollInterval:     defaultPollInterval,
			UploadWeight:     defaultUploadWeight,
		},
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
