package transcription_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/internal/transcription"
	"github.com/hbomb79/Mimic/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeAssets struct {
	assets map[uuid.UUID]*media.Asset
}

func (f *fakeAssets) GetAsset(_ context.Context, kind media.Kind, id uuid.UUID) (*media.Asset, error) {
	asset, ok := f.assets[id]
	if !ok || asset.Kind != kind {
		return nil, &database.NotFoundError{Table: string(kind), ID: id}
	}
	return asset, nil
}

func (f *fakeAssets) AssetPath(ctx context.Context, kind media.Kind, id uuid.UUID) (string, error) {
	asset, err := f.GetAsset(ctx, kind, id)
	if err != nil {
		return "", err
	}
	return "/library/" + asset.Filename(), nil
}

// stubRecognizer returns the configured words (or error), optionally
// blocking until released.
type stubRecognizer struct {
	calls   atomic.Int32
	gate    chan struct{}
	words   []transcription.RecognizedWord
	err     error
	lastOpt  transcription.RecognizeOptions
	lastPath string
	mu       sync.Mutex
}

func (r *stubRecognizer) Recognize(ctx context.Context, path string, opts transcription.RecognizeOptions) (*transcription.Recognition, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastOpt = opts
	r.lastPath = path
	words, err := r.words, r.err
	r.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &transcription.Recognition{Engine: "stub", Model: "tiny", Words: words}, nil
}

func (r *stubRecognizer) setWords(words []transcription.RecognizedWord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.words = words
}

// fakeExtractor writes a placeholder audio file in place of running ffmpeg.
type fakeExtractor struct {
	input  string
	output string
	err    error
}

func (e *fakeExtractor) ExtractAudio(_ context.Context, input string, output string) error {
	e.input, e.output = input, output
	if e.err != nil {
		return e.err
	}
	return os.WriteFile(output, []byte("fLaC"), 0o600)
}

type mockSyncer struct{ mock.Mock }

func (m *mockSyncer) SyncTranscription(_ context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

type nopNotifier struct{}

func (nopNotifier) Notify(event.Model, uuid.UUID, event.Action, any) {}

type fixture struct {
	engine     *transcription.Engine
	store      *memStore
	recognizer *stubRecognizer
	syncer     *mockSyncer
	pool       *worker.Pool
	asset      *media.Asset
	assets     *fakeAssets
}

func newFixture(t *testing.T, config transcription.Config) *fixture {
	asset := &media.Asset{ID: uuid.New(), Kind: media.Audio, ContentHash: "5d41402abc4b2a76b9719d911017c592", Extension: ".mp3"}
	pool := worker.NewPool("transcription-test", 2)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)

	f := &fixture{
		store:      newMemStore(),
		recognizer: &stubRecognizer{words: words("Hello", "there.", "How", "are", "you?")},
		syncer:     &mockSyncer{},
		pool:       pool,
		asset:      asset,
		assets:     &fakeAssets{assets: map[uuid.UUID]*media.Asset{asset.ID: asset}},
	}
	f.engine = transcription.New(config, f.store, f.assets, f.recognizer, pool, nopNotifier{})
	f.engine.UseSyncer(f.syncer)
	return f
}

func (f *fixture) target() transcription.Target {
	return transcription.Target{ID: f.asset.ID, Type: media.Audio}
}

func (f *fixture) addVideo() transcription.Target {
	video := &media.Asset{ID: uuid.New(), Kind: media.Video, ContentHash: "7d793037a0760186574b0282f2f435e7", Extension: ".mp4"}
	f.assets.assets[video.ID] = video
	return transcription.Target{ID: video.ID, Type: media.Video}
}

func words(ws ...string) []transcription.RecognizedWord {
	out := make([]transcription.RecognizedWord, 0, len(ws))
	for i, w := range ws {
		out = append(out, transcription.RecognizedWord{
			Word:  w,
			Start: time.Duration(i) * 500 * time.Millisecond,
			End:   time.Duration(i+1) * 500 * time.Millisecond,
		})
	}
	return out
}

func Test_TranscribeTarget_FinishesAndSyncs(t *testing.T) {
	f := newFixture(t, transcription.Config{Language: "en-US", Prompt: "Hello.", MaxSegmentLength: 120, Timeout: time.Second})

	created, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)
	f.syncer.On("SyncTranscription", created.ID).Return(nil).Once()

	result, err := f.engine.TranscribeTarget(context.Background(), f.target())
	require.NoError(t, err)
	f.pool.Wait()

	assert.Equal(t, transcription.Finished, result.State)
	assert.Equal(t, "stub", result.Engine)
	assert.Equal(t, "tiny", result.Model)
	assert.Equal(t, f.asset.ContentHash, result.TargetContentHash)

	segments := result.Segments()
	require.Len(t, segments, 2)
	assert.Equal(t, "Hello there.", segments[0].Text)
	assert.Equal(t, int64(0), segments[0].StartOffset)
	assert.Equal(t, int64(1000), segments[0].EndOffset)
	assert.Equal(t, "How are you?", segments[1].Text)
	assert.Len(t, segments[1].Words, 3)

	opts := f.recognizer.lastOpt
	assert.True(t, opts.WordTimestamps)
	assert.Equal(t, "en-US", opts.Language)
	assert.Equal(t, "Hello.", opts.Prompt)
	f.syncer.AssertExpectations(t)
}

func Test_Process_ConcurrentCallsRecognizeOnce(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})
	f.recognizer.gate = make(chan struct{})
	f.syncer.On("SyncTranscription", mock.Anything).Return(nil)

	created, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)

	const callers = 10
	wg := &sync.WaitGroup{}
	results := make(chan *transcription.Transcription, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Process(context.Background(), created.ID, false)
			assert.NoError(t, err)
			results <- res
		}()
	}

	require.Eventually(t, func() bool { return f.recognizer.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the losing callers a chance to attempt their claim while the winner is in flight.
	time.Sleep(20 * time.Millisecond)
	close(f.recognizer.gate)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), f.recognizer.calls.Load())
	finished := 0
	for res := range results {
		if res.State == transcription.Finished {
			finished++
		}
	}
	assert.GreaterOrEqual(t, finished, 1)

	stored, err := f.engine.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, transcription.Finished, stored.State)
}

func Test_Process_FailureReturnsToPending(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})
	cause := errors.New("engine exploded")
	f.recognizer.err = cause

	created, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)

	_, err = f.engine.Process(context.Background(), created.ID, false)
	var tErr *transcription.TranscriptionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, created.ID, tErr.ID)
	assert.ErrorIs(t, err, cause)

	stored, err := f.engine.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, transcription.Pending, stored.State)
	f.syncer.AssertNotCalled(t, "SyncTranscription", mock.Anything)
}

func Test_Process_WatchdogAbandonsSlowRecognizer(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: 20 * time.Millisecond})
	f.recognizer.gate = make(chan struct{})
	t.Cleanup(func() { close(f.recognizer.gate) })

	created, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)

	_, err = f.engine.Process(context.Background(), created.ID, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := f.engine.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, transcription.Pending, stored.State)
}

func Test_Process_FinishedRequiresForce(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})
	f.syncer.On("SyncTranscription", mock.Anything).Return(nil)

	first, err := f.engine.TranscribeTarget(context.Background(), f.target())
	require.NoError(t, err)
	require.Equal(t, transcription.Finished, first.State)

	f.recognizer.setWords(words("Completely", "different."))

	unforced, err := f.engine.Process(context.Background(), first.ID, false)
	require.NoError(t, err)
	assert.Equal(t, first.Segments(), unforced.Segments())
	assert.Equal(t, int32(1), f.recognizer.calls.Load())

	forced, err := f.engine.Process(context.Background(), first.ID, true)
	require.NoError(t, err)
	require.Len(t, forced.Segments(), 1)
	assert.Equal(t, "Completely different.", forced.Segments()[0].Text)
	assert.Equal(t, int32(2), f.recognizer.calls.Load())
}

func Test_TranscribeTarget_IgnoresProcessing(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})

	created, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)
	f.store.setState(created.ID, transcription.Processing)

	result, err := f.engine.TranscribeTarget(context.Background(), f.target())
	require.NoError(t, err)
	assert.Equal(t, transcription.Processing, result.State)
	assert.Zero(t, f.recognizer.calls.Load())
}

func Test_FindOrCreate_IsIdempotent(t *testing.T) {
	f := newFixture(t, transcription.Config{})

	a, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)
	b, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, transcription.Pending, b.State)
}

func Test_FindOrCreate_MissingAsset(t *testing.T) {
	f := newFixture(t, transcription.Config{})

	_, err := f.engine.FindOrCreate(context.Background(), transcription.Target{ID: uuid.New(), Type: media.Video})
	assert.True(t, database.IsNotFound(err))
}

func Test_InvalidTargetType(t *testing.T) {
	f := newFixture(t, transcription.Config{})

	_, err := f.engine.TranscribeTarget(context.Background(), transcription.Target{ID: f.asset.ID, Type: "Message"})
	var invalid *transcription.InvalidTargetTypeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "Message", invalid.TargetType)

	_, err = transcription.ParseTarget(f.asset.ID, "Recording")
	require.ErrorAs(t, err, &invalid)

	target, err := transcription.ParseTarget(f.asset.ID, "Video")
	require.NoError(t, err)
	assert.Equal(t, media.Video, target.Type)
}

func Test_Reconcile_ResetsProcessing(t *testing.T) {
	f := newFixture(t, transcription.Config{})

	created, err := f.engine.FindOrCreate(context.Background(), f.target())
	require.NoError(t, err)
	f.store.setState(created.ID, transcription.Processing)

	reset, err := f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	stored, err := f.engine.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, transcription.Pending, stored.State)
}

func Test_TranscribeTarget_SplitsSegmentsAtMaxLength(t *testing.T) {
	f := newFixture(t, transcription.Config{MaxSegmentLength: 10, Timeout: time.Second})
	f.syncer.On("SyncTranscription", mock.Anything).Return(nil)
	f.recognizer.setWords(words("one", "two", "three", "four", "five", "six"))

	result, err := f.engine.TranscribeTarget(context.Background(), f.target())
	require.NoError(t, err)

	segments := result.Segments()
	require.Greater(t, len(segments), 1)
	for _, segment := range segments {
		assert.LessOrEqual(t, len(segment.Text), 10, segment.Text)
	}
}

func Test_TranscribeTarget_VideoRecognizesExtractedAudio(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})
	f.syncer.On("SyncTranscription", mock.Anything).Return(nil)
	scratch := t.TempDir()
	extractor := &fakeExtractor{}
	f.engine.UseAudioExtractor(extractor, scratch)
	target := f.addVideo()

	result, err := f.engine.TranscribeTarget(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, transcription.Finished, result.State)

	video := f.assets.assets[target.ID]
	assert.Equal(t, "/library/"+video.Filename(), extractor.input)
	assert.Equal(t, scratch, filepath.Dir(extractor.output))
	assert.True(t, strings.HasSuffix(extractor.output, ".flac"))
	assert.Equal(t, extractor.output, f.recognizer.lastPath)

	_, err = os.Stat(extractor.output)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func Test_TranscribeTarget_AudioIsNotExtracted(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})
	f.syncer.On("SyncTranscription", mock.Anything).Return(nil)
	extractor := &fakeExtractor{}
	f.engine.UseAudioExtractor(extractor, t.TempDir())

	_, err := f.engine.TranscribeTarget(context.Background(), f.target())
	require.NoError(t, err)
	assert.Empty(t, extractor.input)
	assert.Equal(t, "/library/"+f.asset.Filename(), f.recognizer.lastPath)
}

func Test_Process_VideoWithoutExtractorStaysPending(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})
	target := f.addVideo()

	created, err := f.engine.FindOrCreate(context.Background(), target)
	require.NoError(t, err)

	_, err = f.engine.Process(context.Background(), created.ID, false)
	require.Error(t, err)
	assert.Zero(t, f.recognizer.calls.Load())

	stored, err := f.engine.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, transcription.Pending, stored.State)
}

func Test_Process_ExtractionFailureStaysPending(t *testing.T) {
	f := newFixture(t, transcription.Config{Timeout: time.Second})
	cause := errors.New("no audio stream")
	f.engine.UseAudioExtractor(&fakeExtractor{err: cause}, t.TempDir())
	target := f.addVideo()

	created, err := f.engine.FindOrCreate(context.Background(), target)
	require.NoError(t, err)

	_, err = f.engine.Process(context.Background(), created.ID, false)
	require.ErrorIs(t, err, cause)
	assert.Zero(t, f.recognizer.calls.Load())

	stored, err := f.engine.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, transcription.Pending, stored.State)
}
