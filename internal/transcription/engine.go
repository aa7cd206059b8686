// Package transcription drives the speech-to-text lifecycle of media assets.
// A transcription moves from pending to processing to finished; the
// processing state is only ever entered through a conditional claim, so at
// most one recognition attempt is in flight for a given transcription.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/internal/metrics"
	"github.com/hbomb79/Mimic/pkg/logger"
	"github.com/hbomb79/Mimic/pkg/worker"
)

var log = logger.Get("Transcriber")

type (
	Config struct {
		Language         string        `yaml:"language" env:"TRANSCRIPTION_LANGUAGE" env-default:"en-US"`
		Prompt           string        `yaml:"prompt" env:"TRANSCRIPTION_PROMPT"`
		MaxSegmentLength int           `yaml:"max_segment_length" env:"TRANSCRIPTION_MAX_SEGMENT_LENGTH" env-default:"120" validate:"min=0"`
		Timeout          time.Duration `yaml:"timeout" env:"TRANSCRIPTION_TIMEOUT" env-default:"5m"`
	}

	// RecognizeOptions is the decoding configuration passed to the recognizer
	// for every attempt. The maximum segment length (in characters) is not a
	// recognizer option; it is applied when words are grouped in to segments.
	RecognizeOptions struct {
		Language       string
		Prompt         string
		WordTimestamps bool
	}

	RecognizedWord struct {
		Word    string
		Start   time.Duration
		End     time.Duration
		Speaker int
	}

	Recognition struct {
		Engine string
		Model  string
		Words  []RecognizedWord
	}

	// Recognizer is a speech-to-text engine. Recognize is a blocking call
	// which should respect cancellation of the context provided.
	Recognizer interface {
		Recognize(ctx context.Context, path string, opts RecognizeOptions) (*Recognition, error)
	}

	AssetSource interface {
		GetAsset(ctx context.Context, kind media.Kind, id uuid.UUID) (*media.Asset, error)
		AssetPath(ctx context.Context, kind media.Kind, id uuid.UUID) (string, error)
	}

	Scheduler interface {
		Submit(label string, fn worker.TaskFunc) *worker.Task
	}

	Syncer interface {
		SyncTranscription(ctx context.Context, id uuid.UUID) error
	}

	// AudioExtractor writes the audio track of a media file to output. Video
	// assets are recognized through their extracted audio.
	AudioExtractor interface {
		ExtractAudio(ctx context.Context, input string, output string) error
	}

	Engine struct {
		config     Config
		store      Store
		assets     AssetSource
		recognizer Recognizer
		scheduler  Scheduler
		notifier   event.Notifier
		syncer     Syncer
		extractor  AudioExtractor
		scratchDir string
	}
)

func New(config Config, store Store, assets AssetSource, recognizer Recognizer, scheduler Scheduler, notifier event.Notifier) *Engine {
	return &Engine{
		config:     config,
		store:      store,
		assets:     assets,
		recognizer: recognizer,
		scheduler:  scheduler,
		notifier:   notifier,
	}
}

// UseSyncer attaches the orchestrator which finished transcriptions are
// synced with. If never called, finished transcriptions are not synced.
func (engine *Engine) UseSyncer(syncer Syncer) { engine.syncer = syncer }

// UseAudioExtractor attaches the extractor used to obtain the audio track of
// Video assets. Extracted audio is written to scratchDir and removed once the
// attempt ends. Without an extractor, Video assets cannot be transcribed.
func (engine *Engine) UseAudioExtractor(extractor AudioExtractor, scratchDir string) {
	engine.extractor = extractor
	engine.scratchDir = scratchDir
}

// FindOrCreate returns the transcription for the target, creating a pending
// one if none exists yet.
func (engine *Engine) FindOrCreate(ctx context.Context, target Target) (*Transcription, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	existing, err := engine.store.FindByTarget(ctx, target)
	if err == nil {
		return existing, nil
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	asset, err := engine.assets.GetAsset(ctx, target.Type, target.ID)
	if err != nil {
		return nil, err
	}

	transcription := &Transcription{
		ID:                uuid.New(),
		TargetID:          target.ID,
		TargetType:        target.Type,
		TargetContentHash: asset.ContentHash,
		State:             Pending,
		Result:            database.NewJsonColumn([]Segment{}),
	}
	created, err := engine.store.Create(ctx, transcription)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription for %s %s: %w", target.Type, target.ID, err)
	}

	if created {
		log.Emit(logger.NEW, "Created transcription %s for %s %s\n", transcription.ID, target.Type, target.ID)
		engine.notifier.Notify(event.TranscriptionModel, transcription.ID, event.CreateAction, transcription)
	}

	return transcription, nil
}

// TranscribeTarget finds (or creates) the transcription for the target and
// drives it according to its current state: pending transcriptions are
// processed, processing transcriptions are left to the attempt in flight, and
// finished transcriptions are forcefully re-processed.
func (engine *Engine) TranscribeTarget(ctx context.Context, target Target) (*Transcription, error) {
	transcription, err := engine.FindOrCreate(ctx, target)
	if err != nil {
		return nil, err
	}

	switch transcription.State {
	case Pending:
		return engine.Process(ctx, transcription.ID, false)
	case Finished:
		return engine.Process(ctx, transcription.ID, true)
	default:
		log.Debugf("Transcription %s is already processing, ignoring request\n", transcription.ID)
		return transcription, nil
	}
}

// TranscribeAsset transcribes the asset unless a transcription for it is
// already processing.
func (engine *Engine) TranscribeAsset(ctx context.Context, kind media.Kind, id uuid.UUID) error {
	_, err := engine.TranscribeTarget(ctx, Target{ID: id, Type: kind})
	return err
}

// Process claims the transcription and runs a recognition attempt against the
// asset it targets. Finished transcriptions are only re-processed when force
// is set. If the claim cannot be taken, the transcription is returned as-is.
//
// A failed attempt returns the transcription to pending and returns a
// TranscriptionError; a successful attempt stores the result and schedules
// a sync of the finished transcription.
func (engine *Engine) Process(ctx context.Context, id uuid.UUID, force bool) (transcription *Transcription, err error) {
	claimed, err := engine.store.Claim(ctx, id, force)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Debugf("Transcription %s could not be claimed (force=%v)\n", id, force)
		return engine.store.Get(ctx, id)
	}

	started := time.Now()
	defer func() {
		metrics.TranscriptionsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
		if err == nil {
			metrics.TranscriptionDuration.Observe(time.Since(started).Seconds())
			return
		}

		// Roll back using a fresh context, as the callers context may be
		// the reason the attempt failed.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if releaseErr := engine.store.Release(releaseCtx, id); releaseErr != nil {
			log.Errorf("Failed to return transcription %s to pending: %v\n", id, releaseErr)
		}
		engine.notifier.Notify(event.TranscriptionModel, id, event.UpdateAction, nil)
		err = &TranscriptionError{ID: id, Err: err}
	}()

	claim, err := engine.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Emit(logger.NEW, "Transcribing %s %s (transcription %s)\n", claim.TargetType, claim.TargetID, id)
	engine.notifier.Notify(event.TranscriptionModel, id, event.UpdateAction, claim)

	path, err := engine.assets.AssetPath(ctx, claim.TargetType, claim.TargetID)
	if err != nil {
		return nil, err
	}

	if claim.TargetType == media.Video {
		audioPath, err := engine.extractAudio(ctx, id, path)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := os.Remove(audioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warnf("Failed to remove extracted audio %s: %v\n", audioPath, err)
			}
		}()
		path = audioPath
	}

	recognition, err := engine.recognize(ctx, path)
	if err != nil {
		return nil, err
	}

	segments := GroupWords(recognition.Words, engine.config.MaxSegmentLength)
	finished, err := engine.store.Finish(ctx, id, recognition.Engine, recognition.Model, segments)
	if err != nil {
		return nil, err
	}

	log.Emit(logger.SUCCESS, "Transcription %s finished with %d segments (%s)\n", id, len(segments), time.Since(started))
	engine.notifier.Notify(event.TranscriptionModel, id, event.UpdateAction, finished)
	engine.scheduleSync(id)

	return finished, nil
}

// Reconcile returns any transcriptions left processing by a previous
// process back to pending. It must be run before any attempts are started.
func (engine *Engine) Reconcile(ctx context.Context) (int64, error) {
	reset, err := engine.store.ResetProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale transcriptions: %w", err)
	}

	if reset > 0 {
		log.Warnf("Reset %d stale transcription(s) to pending\n", reset)
	}

	return reset, nil
}

func (engine *Engine) Get(ctx context.Context, id uuid.UUID) (*Transcription, error) {
	return engine.store.Get(ctx, id)
}

func (engine *Engine) FindByTarget(ctx context.Context, target Target) (*Transcription, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	return engine.store.FindByTarget(ctx, target)
}

func (engine *Engine) MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	synced, err := engine.store.MarkSynced(ctx, id, snapshot)
	if err != nil || !synced {
		return synced, err
	}

	if transcription, err := engine.store.Get(ctx, id); err == nil {
		engine.notifier.Notify(event.TranscriptionModel, id, event.UpdateAction, transcription)
	}

	return true, nil
}

// recognize runs the recognizer under the configured watchdog timeout. If the
// recognizer does not return in time, the attempt is abandoned and an error
// is returned even if the recognizer ignores cancellation.
func (engine *Engine) recognize(ctx context.Context, path string) (*Recognition, error) {
	if engine.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, engine.config.Timeout)
		defer cancel()
	}

	type result struct {
		recognition *Recognition
		err         error
	}

	out := make(chan result, 1)
	go func() {
		recognition, err := engine.recognizer.Recognize(ctx, path, RecognizeOptions{
			Language:       engine.config.Language,
			Prompt:         engine.config.Prompt,
			WordTimestamps: true,
		})
		out <- result{recognition, err}
	}()

	select {
	case res := <-out:
		if res.err != nil {
			return nil, res.err
		}
		if res.recognition == nil {
			return nil, errors.New("recognizer returned no result")
		}
		return res.recognition, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("recognition of %s abandoned: %w", path, ctx.Err())
	}
}

func (engine *Engine) extractAudio(ctx context.Context, id uuid.UUID, videoPath string) (string, error) {
	if engine.extractor == nil {
		return "", fmt.Errorf("no audio extractor configured, unable to transcribe video %s", videoPath)
	}

	audioPath := filepath.Join(engine.scratchDir, "transcription-"+id.String()+".flac")
	log.Debugf("Extracting audio of %s to %s\n", videoPath, audioPath)
	if err := engine.extractor.ExtractAudio(ctx, videoPath, audioPath); err != nil {
		return "", err
	}

	return audioPath, nil
}

func (engine *Engine) scheduleSync(id uuid.UUID) {
	if engine.syncer == nil {
		return
	}

	engine.scheduler.Submit(fmt.Sprintf("sync-transcription-%s", id), func(ctx context.Context) error {
		return engine.syncer.SyncTranscription(ctx, id)
	})
}
