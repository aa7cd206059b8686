package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hbomb79/Mimic/internal/assessment"
)

// Offsets and durations in the assessment response are measured in 100ns ticks.
const ticksPerMillisecond = 10_000

type (
	AssessorConfig struct {
		// EndpointTemplate is formatted with the region of the speech token.
		EndpointTemplate string        `yaml:"endpoint_template" env:"SPEECH_ASSESS_ENDPOINT" env-default:"https://%s.stt.speech.microsoft.com"`
		Prosody          bool          `yaml:"prosody" env:"SPEECH_ASSESS_PROSODY" env-default:"true"`
		Timeout          time.Duration `yaml:"timeout" env:"SPEECH_ASSESS_TIMEOUT" env-default:"1m"`
	}

	// PronunciationAssessor scores recordings using the short audio speech
	// recognition endpoint with a pronunciation assessment header.
	PronunciationAssessor struct {
		config AssessorConfig
		http   *http.Client
	}

	assessmentParams struct {
		ReferenceText           string `json:"ReferenceText"`
		GradingSystem           string `json:"GradingSystem"`
		Granularity             string `json:"Granularity"`
		Dimension               string `json:"Dimension"`
		EnableProsodyAssessment string `json:"EnableProsodyAssessment,omitempty"`
	}

	scores struct {
		AccuracyScore     float64  `json:"AccuracyScore"`
		FluencyScore      float64  `json:"FluencyScore"`
		CompletenessScore float64  `json:"CompletenessScore"`
		PronScore         float64  `json:"PronScore"`
		ProsodyScore      *float64 `json:"ProsodyScore"`
		ErrorType         string   `json:"ErrorType"`
	}

	unit struct {
		Syllable                string `json:"Syllable"`
		Phoneme                 string `json:"Phoneme"`
		Offset                  int64  `json:"Offset"`
		Duration                int64  `json:"Duration"`
		PronunciationAssessment scores `json:"PronunciationAssessment"`
	}

	assessmentResponse struct {
		RecognitionStatus string `json:"RecognitionStatus"`
		NBest             []struct {
			PronunciationAssessment scores `json:"PronunciationAssessment"`
			Words                   []struct {
				Word                    string `json:"Word"`
				Offset                  int64  `json:"Offset"`
				Duration                int64  `json:"Duration"`
				PronunciationAssessment scores `json:"PronunciationAssessment"`
				Syllables               []unit `json:"Syllables"`
				Phonemes                []unit `json:"Phonemes"`
			} `json:"Words"`
		} `json:"NBest"`
	}
)

func NewPronunciationAssessor(config AssessorConfig) *PronunciationAssessor {
	return &PronunciationAssessor{config: config, http: &http.Client{Timeout: config.Timeout}}
}

func (assessor *PronunciationAssessor) Assess(ctx context.Context, req assessment.Request) (*assessment.Score, error) {
	if req.Token.Token == "" || req.Token.Region == "" {
		return nil, errors.New("speech token and region are required")
	}

	audio, err := os.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording %s: %w", req.Path, err)
	}
	defer audio.Close()

	params, err := assessor.encodeParams(req.ReferenceText)
	if err != nil {
		return nil, err
	}

	query := url.Values{"language": {req.Language}, "format": {"detailed"}}
	endpoint := fmt.Sprintf(assessor.config.EndpointTemplate, req.Token.Region) +
		"/speech/recognition/conversation/cognitiveservices/v1?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, audio)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token.Token)
	httpReq.Header.Set("Content-Type", audioContentType(req.Path))
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Pronunciation-Assessment", params)

	log.Debugf("Requesting pronunciation assessment of %s (%s)\n", req.Path, req.Language)
	resp, err := assessor.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pronunciation assessment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("pronunciation assessment responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded assessmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode pronunciation assessment: %w", err)
	}

	return decoded.score()
}

func (assessor *PronunciationAssessor) encodeParams(referenceText string) (string, error) {
	params := assessmentParams{
		ReferenceText: referenceText,
		GradingSystem: "HundredMark",
		Granularity:   "Phoneme",
		Dimension:     "Comprehensive",
	}
	if assessor.config.Prosody {
		params.EnableProsodyAssessment = "True"
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(encoded), nil
}

func (r *assessmentResponse) score() (*assessment.Score, error) {
	if r.RecognitionStatus != "Success" {
		return nil, fmt.Errorf("speech was not recognized (status %s)", r.RecognitionStatus)
	}
	if len(r.NBest) == 0 {
		return nil, errors.New("assessment response contained no results")
	}

	best := r.NBest[0]
	out := &assessment.Score{
		Accuracy:      best.PronunciationAssessment.AccuracyScore,
		Fluency:       best.PronunciationAssessment.FluencyScore,
		Completeness:  best.PronunciationAssessment.CompletenessScore,
		Pronunciation: best.PronunciationAssessment.PronScore,
		Prosody:       best.PronunciationAssessment.ProsodyScore,
		Words:         make([]assessment.WordResult, 0, len(best.Words)),
	}

	for _, w := range best.Words {
		word := assessment.WordResult{
			Word:          w.Word,
			AccuracyScore: w.PronunciationAssessment.AccuracyScore,
			ErrorType:     w.PronunciationAssessment.ErrorType,
			Offset:        w.Offset / ticksPerMillisecond,
			Duration:      w.Duration / ticksPerMillisecond,
		}
		for _, s := range w.Syllables {
			word.Syllables = append(word.Syllables, s.result(s.Syllable))
		}
		for _, p := range w.Phonemes {
			word.Phonemes = append(word.Phonemes, p.result(p.Phoneme))
		}

		out.Words = append(out.Words, word)
	}

	return out, nil
}

func (u unit) result(text string) assessment.UnitResult {
	return assessment.UnitResult{
		Text:          text,
		AccuracyScore: u.PronunciationAssessment.AccuracyScore,
		Offset:        u.Offset / ticksPerMillisecond,
		Duration:      u.Duration / ticksPerMillisecond,
	}
}

func audioContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".opus":
		return "audio/ogg; codecs=opus"
	default:
		return "audio/wav; codecs=audio/pcm; samplerate=16000"
	}
}
