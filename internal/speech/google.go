// Package speech adapts hosted speech services to the recognizer and
// assessor interfaces used by the transcription and assessment services.
package speech

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/hbomb79/Mimic/internal/transcription"
	"github.com/hbomb79/Mimic/pkg/logger"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"
)

const googleEngine = "google"

var log = logger.Get("Speech")

type (
	GoogleConfig struct {
		CredentialsFile string `yaml:"credentials_file" env:"SPEECH_CREDENTIALS_FILE"`
		Model           string `yaml:"model" env:"SPEECH_MODEL" env-default:"latest_long"`
		Diarize         bool   `yaml:"diarize" env:"SPEECH_DIARIZE" env-default:"false"`
		MaxSpeakers     int    `yaml:"max_speakers" env:"SPEECH_MAX_SPEAKERS" env-default:"2"`
	}

	// GoogleRecognizer recognizes speech using the Cloud Speech-to-Text
	// long running recognition API. Audio is sent inline, so it is only
	// suitable for files within the inline content limits of the API.
	GoogleRecognizer struct {
		config GoogleConfig
		client *gspeech.Client
	}
)

func NewGoogleRecognizer(ctx context.Context, config GoogleConfig) (*GoogleRecognizer, error) {
	opts := []option.ClientOption{}
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := gspeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	return &GoogleRecognizer{config: config, client: client}, nil
}

func (recognizer *GoogleRecognizer) Recognize(ctx context.Context, path string, opts transcription.RecognizeOptions) (*transcription.Recognition, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio %s: %w", path, err)
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: recognizer.recognitionConfig(path, opts),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	}

	log.Debugf("Submitting %s (%d bytes) for recognition\n", path, len(audio))
	op, err := recognizer.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start recognition of %s: %w", path, err)
	}

	resp, err := op.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("recognition of %s failed: %w", path, err)
	}

	return &transcription.Recognition{
		Engine: googleEngine,
		Model:  recognizer.config.Model,
		Words:  wordsFromResponse(resp, recognizer.config.Diarize),
	}, nil
}

func (recognizer *GoogleRecognizer) Close() error {
	return recognizer.client.Close()
}

func (recognizer *GoogleRecognizer) recognitionConfig(path string, opts transcription.RecognizeOptions) *speechpb.RecognitionConfig {
	config := &speechpb.RecognitionConfig{
		LanguageCode:               opts.Language,
		Model:                      recognizer.config.Model,
		Encoding:                   encodingFor(path),
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      opts.WordTimestamps,
	}
	if config.LanguageCode == "" {
		config.LanguageCode = "en-US"
	}

	// The API has no free-form prompt, so the prompt primes recognition
	// through a phrase hint instead.
	if prompt := strings.TrimSpace(opts.Prompt); prompt != "" {
		config.SpeechContexts = []*speechpb.SpeechContext{{Phrases: []string{prompt}}}
	}

	if recognizer.config.Diarize {
		config.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          int32(max(recognizer.config.MaxSpeakers, 1)),
		}
	}

	return config
}

// encodingFor infers the encoding of the audio from its extension. Formats
// which are not recognised are left unspecified, and the API will attempt
// to detect them from the content header.
func encodingFor(path string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".mp3":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	case ".webm":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

// wordsFromResponse flattens the top alternative of every result in to a
// single word list. When diarization is enabled, the API repeats every word
// with a speaker tag in the final result, so only that result is used.
func wordsFromResponse(resp *speechpb.LongRunningRecognizeResponse, diarized bool) []transcription.RecognizedWord {
	words := make([]transcription.RecognizedWord, 0)
	if resp == nil {
		return words
	}

	results := resp.GetResults()
	if diarized && len(results) > 0 {
		results = results[len(results)-1:]
	}

	for _, result := range results {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}

		for _, w := range alternatives[0].GetWords() {
			words = append(words, transcription.RecognizedWord{
				Word:    w.GetWord(),
				Start:   toDuration(w.GetStartTime()),
				End:     toDuration(w.GetEndTime()),
				Speaker: int(w.GetSpeakerTag()),
			})
		}
	}

	return words
}

func toDuration(d *durationpb.Duration) time.Duration {
	if d == nil {
		return 0
	}

	return d.AsDuration()
}
