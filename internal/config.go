package internal

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Mimic/internal/activity"
	"github.com/hbomb79/Mimic/internal/assessment"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/download"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/ffmpeg"
	"github.com/hbomb79/Mimic/internal/http/router"
	"github.com/hbomb79/Mimic/internal/ingest"
	"github.com/hbomb79/Mimic/internal/library"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/internal/remote"
	"github.com/hbomb79/Mimic/internal/speech"
	"github.com/hbomb79/Mimic/internal/transcription"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// MimicConfig is the struct used to contain the
// various user config supplied by file or environment.
type MimicConfig struct {
	LogLevel      string                  `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Library       LibraryConfig           `yaml:"library"`
	Database      database.DatabaseConfig `yaml:"database"`
	Workers       WorkersConfig           `yaml:"workers"`
	Transcription transcription.Config    `yaml:"transcription"`
	Speech        SpeechConfig            `yaml:"speech"`
	Assessment    assessment.Config       `yaml:"assessment"`
	Download      download.Config         `yaml:"download"`
	Remote        RemoteConfig            `yaml:"remote"`
	Import        ImportConfig            `yaml:"import"`
	Activity      activity.Config         `yaml:"activity"`
	Http          router.Config           `yaml:"http"`
	Redis         event.RedisConfig       `yaml:"redis"`
	Ffprobe       ffmpeg.Config           `yaml:"ffprobe"`
}

type (
	LibraryConfig struct {
		Store    library.Config `yaml:",inline"`
		Registry media.Config   `yaml:",inline"`
	}

	// WorkersConfig controls the shared pool which runs background
	// transcription, sync and assessment work.
	WorkersConfig struct {
		Size int `yaml:"size" env:"WORKERS_SIZE" env-default:"4" validate:"min=1"`
	}

	SpeechConfig struct {
		Google   speech.GoogleConfig   `yaml:"google"`
		Assessor speech.AssessorConfig `yaml:"assessor"`
	}

	RemoteConfig struct {
		API remote.APIConfig `yaml:"api"`
		S3  remote.S3Config  `yaml:"s3"`
	}

	ImportConfig struct {
		ingest.Config `yaml:",inline"`
		Enabled       bool `yaml:"enabled" env:"IMPORT_ENABLED" env-default:"false"`
	}
)

// LoadConfig reads the configuration from the YAML file at the path provided,
// overlaying any environment variables. If the file does not exist, the
// configuration is read from the environment alone. Paths in the resulting
// configuration have a leading '~' expanded to the users home directory, and
// the result is validated against the constraints declared on its fields.
func LoadConfig(configPath string) (*MimicConfig, error) {
	config := &MimicConfig{}

	path, err := homedir.Expand(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand configuration path %s: %w", configPath, err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		err = cleanenv.ReadConfig(path, config)
	} else if errors.Is(statErr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(config)
	} else {
		err = statErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := config.expandPaths(); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (config *MimicConfig) expandPaths() error {
	for _, p := range []*string{
		&config.Library.Store.Root,
		&config.Import.Path,
		&config.Speech.Google.CredentialsFile,
		&config.Ffprobe.FfprobeBinPath,
		&config.Ffprobe.FfmpegBinPath,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %s: %w", *p, err)
		}
		*p = expanded
	}

	return nil
}
