package ffmpeg

import (
	"fmt"
	"strconv"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
)

type (
	// MediaMetadata is the subset of ffprobe output which Mimic retains
	// for an ingested asset.
	MediaMetadata struct {
		Format    string  `json:"format" mapstructure:"format"`
		Duration  float64 `json:"duration" mapstructure:"duration"`
		Codec     string  `json:"codec" mapstructure:"codec"`
		CodecType string  `json:"codecType" mapstructure:"codecType"`
		BitRate   int64   `json:"bitRate" mapstructure:"bitRate"`
		Size      int64   `json:"size" mapstructure:"size"`
		HasVideo  bool    `json:"hasVideo" mapstructure:"hasVideo"`
	}

	Config struct {
		FfprobeBinPath string `yaml:"ffprobe_path" env:"FORMAT_FFPROBE_BIN_PATH" env-default:"/usr/bin/ffprobe"`
		FfmpegBinPath  string `yaml:"ffmpeg_path" env:"FORMAT_FFMPEG_BIN_PATH" env-default:"/usr/bin/ffmpeg"`
	}

	Prober struct {
		config Config
	}
)

func NewProber(config Config) *Prober {
	return &Prober{config: config}
}

// Probe extracts media metadata for the file at path using ffprobe.
func (prober *Prober) Probe(path string) (*MediaMetadata, error) {
	metadata, err := probeFile(prober.config, path)
	if err != nil {
		return nil, err
	}

	return toMediaMetadata(metadata), nil
}

func probeFile(config Config, path string) (transcoder.Metadata, error) {
	cfg := ffmpeg.Config{FfprobeBinPath: config.FfprobeBinPath}
	transcoder := ffmpeg.New(&cfg).Input(path)
	metadata, err := transcoder.GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", err)
	}

	return metadata, nil
}

func toMediaMetadata(metadata transcoder.Metadata) *MediaMetadata {
	format := metadata.GetFormat()
	output := &MediaMetadata{
		Format:   format.GetFormatName(),
		Duration: parseFloat(format.GetDuration()),
		BitRate:  int64(parseFloat(format.GetBitRate())),
		Size:     int64(parseFloat(format.GetSize())),
	}

	// The first stream describes the primary codec. Any video
	// stream marks the file as video regardless of ordering.
	for i, stream := range metadata.GetStreams() {
		if i == 0 {
			output.Codec = stream.GetCodecName()
			output.CodecType = stream.GetCodecType()
		}

		if stream.GetCodecType() == "video" {
			output.HasVideo = true
		}
	}

	return output
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}

	return f
}
