// Package assessment scores pronunciation recordings against their reference
// text. Assessments are immutable: reassessing with the same reference text
// returns the stored result, while a new reference text replaces it.
package assessment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/internal/metrics"
	"github.com/hbomb79/Mimic/internal/remote"
	"github.com/hbomb79/Mimic/pkg/logger"
	"github.com/hbomb79/Mimic/pkg/worker"
	"golang.org/x/sync/singleflight"
)

var log = logger.Get("Assessor")

type (
	Config struct {
		Language string        `yaml:"language" env:"ASSESSMENT_LANGUAGE" env-default:"en-US"`
		Timeout  time.Duration `yaml:"timeout" env:"ASSESSMENT_TIMEOUT" env-default:"1m"`
	}

	Request struct {
		Path          string
		ReferenceText string
		Language      string
		Token         remote.SpeechToken
	}

	// Assessor is a pronunciation assessment engine. Assess is a blocking
	// call which should respect cancellation of the context provided.
	Assessor interface {
		Assess(ctx context.Context, req Request) (*Score, error)
	}

	TokenSource interface {
		RequestSpeechToken(ctx context.Context) (*remote.SpeechToken, error)
	}

	RecordingSource interface {
		GetRecording(ctx context.Context, id uuid.UUID) (*media.Recording, error)
		RecordingPath(ctx context.Context, id uuid.UUID) (string, error)
	}

	Scheduler interface {
		Submit(label string, fn worker.TaskFunc) *worker.Task
	}

	Syncer interface {
		SyncAssessment(ctx context.Context, id uuid.UUID) error
	}

	Service struct {
		config     Config
		store      Store
		recordings RecordingSource
		tokens     TokenSource
		assessor   Assessor
		scheduler  Scheduler
		notifier   event.Notifier
		syncer     Syncer
		inflight   singleflight.Group
	}
)

func New(config Config, store Store, recordings RecordingSource, tokens TokenSource, assessor Assessor, scheduler Scheduler, notifier event.Notifier) *Service {
	return &Service{
		config:     config,
		store:      store,
		recordings: recordings,
		tokens:     tokens,
		assessor:   assessor,
		scheduler:  scheduler,
		notifier:   notifier,
	}
}

func (service *Service) UseSyncer(syncer Syncer) { service.syncer = syncer }

// Assess scores the recording against the reference text given (or the
// recordings own reference text, if empty). Concurrent requests for the same
// recording and reference text share a single assessment.
func (service *Service) Assess(ctx context.Context, recordingID uuid.UUID, referenceText string, language string) (*Assessment, error) {
	recording, err := service.recordings.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	referenceText = strings.TrimSpace(referenceText)
	if referenceText == "" {
		referenceText = strings.TrimSpace(recording.ReferenceText)
	}
	if language == "" {
		language = service.config.Language
	}

	key := fmt.Sprintf("%s|%s|%s", recordingID, language, referenceText)
	res, err, _ := service.inflight.Do(key, func() (any, error) {
		return service.assess(ctx, recording, referenceText, language)
	})
	if err != nil {
		return nil, err
	}

	return res.(*Assessment), nil
}

func (service *Service) assess(ctx context.Context, recording *media.Recording, referenceText string, language string) (assessment *Assessment, err error) {
	existing, err := service.store.FindByRecording(ctx, recording.ID)
	if err == nil && existing.ReferenceText == referenceText && existing.Language == language {
		log.Debugf("Recording %s already assessed against this reference text\n", recording.ID)
		return existing, nil
	} else if err != nil && !database.IsNotFound(err) {
		return nil, err
	}

	defer func() {
		metrics.AssessmentsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
		if err != nil {
			err = &AssessmentError{RecordingID: recording.ID, Err: err}
		}
	}()

	path, err := service.recordings.RecordingPath(ctx, recording.ID)
	if err != nil {
		return nil, err
	}

	token, err := service.tokens.RequestSpeechToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain speech token: %w", err)
	}

	assessCtx := ctx
	if service.config.Timeout > 0 {
		var cancel context.CancelFunc
		assessCtx, cancel = context.WithTimeout(ctx, service.config.Timeout)
		defer cancel()
	}

	score, err := service.assessor.Assess(assessCtx, Request{Path: path, ReferenceText: referenceText, Language: language, Token: *token})
	if err != nil {
		return nil, err
	}

	assessment = &Assessment{
		ID:                 uuid.New(),
		RecordingID:        recording.ID,
		ReferenceText:      referenceText,
		Language:           language,
		AccuracyScore:      score.Accuracy,
		FluencyScore:       score.Fluency,
		CompletenessScore:  score.Completeness,
		PronunciationScore: score.Pronunciation,
		ProsodyScore:       score.Prosody,
		GrammarScore:       score.Grammar,
		VocabularyScore:    score.Vocabulary,
		TopicScore:         score.Topic,
		Result:             database.NewJsonColumn(Detail{Words: score.Words}),
	}
	if err := service.store.Replace(ctx, assessment); err != nil {
		return nil, fmt.Errorf("failed to store assessment: %w", err)
	}

	action := event.CreateAction
	if existing != nil {
		action = event.UpdateAction
	}
	log.Emit(logger.SUCCESS, "Assessed recording %s (pronunciation %.1f)\n", recording.ID, assessment.PronunciationScore)
	service.notifier.Notify(event.AssessmentModel, assessment.ID, action, assessment)
	service.scheduleSync(assessment.ID)

	return assessment, nil
}

func (service *Service) Get(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	return service.store.Get(ctx, id)
}

func (service *Service) FindByRecording(ctx context.Context, recordingID uuid.UUID) (*Assessment, error) {
	return service.store.FindByRecording(ctx, recordingID)
}

func (service *Service) MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	synced, err := service.store.MarkSynced(ctx, id, snapshot)
	if err != nil || !synced {
		return synced, err
	}

	if assessment, err := service.store.Get(ctx, id); err == nil {
		service.notifier.Notify(event.AssessmentModel, id, event.UpdateAction, assessment)
	}

	return true, nil
}

func (service *Service) scheduleSync(id uuid.UUID) {
	if service.syncer == nil {
		return
	}

	service.scheduler.Submit(fmt.Sprintf("sync-assessment-%s", id), func(ctx context.Context) error {
		return service.syncer.SyncAssessment(ctx, id)
	})
}
