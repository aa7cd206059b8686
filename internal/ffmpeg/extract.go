package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/floostack/transcoder/ffmpeg"
)

const (
	extractedCodec      = "flac"
	extractedSampleRate = 16000
)

// AudioExtractor writes the audio track of a media file to a mono FLAC
// file suitable for speech recognition.
type AudioExtractor struct {
	config Config
}

func NewAudioExtractor(config Config) *AudioExtractor {
	return &AudioExtractor{config: config}
}

// ExtractAudio transcodes the first audio stream of input in to output. The
// output is removed if ffmpeg does not produce a non-empty file.
func (extractor *AudioExtractor) ExtractAudio(ctx context.Context, input string, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for extracted audio: %w", err)
	}

	codec, format := extractedCodec, extractedCodec
	channels, rate := 1, extractedSampleRate
	skipVideo, overwrite := true, true
	opts := &ffmpeg.Options{
		SkipVideo:     &skipVideo,
		AudioCodec:    &codec,
		AudioChannels: &channels,
		AudioRate:     &rate,
		OutputFormat:  &format,
		Overwrite:     &overwrite,
	}

	cmd := ffmpeg.
		New(&ffmpeg.Config{FfmpegBinPath: extractor.config.FfmpegBinPath, FfprobeBinPath: extractor.config.FfprobeBinPath}).
		Input(input).
		Output(output).
		WithContext(&ctx)

	// Without progress enabled, Start waits for ffmpeg to exit but does not
	// report its exit status, so the output file is checked instead.
	if _, err := cmd.Start(opts); err != nil {
		return fmt.Errorf("failed to extract audio from %s: %w", input, err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(output)
		return err
	}

	info, err := os.Stat(output)
	if err == nil && info.Size() == 0 {
		err = errors.New("ffmpeg produced an empty file")
	}
	if err != nil {
		_ = os.Remove(output)
		return fmt.Errorf("failed to extract audio from %s: %w", input, err)
	}

	return nil
}
