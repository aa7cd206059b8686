package ingest

import "time"

// Config contains configuration options that allow
// customization of how Mimic detects files to auto-import.
type Config struct {
	// The service uses a directory watcher, but a 'force' sync
	// is performed on a regular interval to protect against the
	// watcher failing.
	ForceSyncSeconds int `yaml:"force_sync_seconds" env:"IMPORT_FORCE_SYNC_SECONDS" env-default:"60"`

	// The path to the directory the service should monitor
	// for new files. An empty path disables the service.
	Path string `yaml:"path" env:"IMPORT_PATH"`

	// Regular expressions which RESTRICT the files processed by this
	// service. If any expression matches the name of the file, it is ignored.
	Blacklist []string `yaml:"blacklist" env:"IMPORT_BLACKLIST" env-separator:","`

	// When a new file is detected, it's likely to still be being written
	// (e.g. an in-progress copy). As we cannot KNOW when the write is
	// complete, we instead wait for the 'modtime' of the item to be at
	// least this long in the past before processing.
	RequiredModTimeAgeSeconds int `yaml:"required_modtime_age_seconds" env:"IMPORT_REQUIRED_MODTIME_AGE_SECONDS" env-default:"5"`

	// Controls the number of files which may be imported at once.
	Parallelism int `yaml:"parallelism" env:"IMPORT_PARALLELISM" env-default:"1"`
}

func (config *Config) RequiredModTimeAgeDuration() time.Duration {
	return time.Duration(config.RequiredModTimeAgeSeconds) * time.Second
}

func (config *Config) ForceSyncDuration() time.Duration {
	if config.ForceSyncSeconds <= 0 {
		return time.Minute
	}

	return time.Duration(config.ForceSyncSeconds) * time.Second
}
