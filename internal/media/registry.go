// Package media is the registry of Audio, Video and Recording records. The
// registry owns the relational rows; the bytes behind them are owned by the
// library store.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/download"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/ffmpeg"
	"github.com/hbomb79/Mimic/internal/library"
	"github.com/hbomb79/Mimic/internal/metrics"
	"github.com/hbomb79/Mimic/pkg/logger"
	"github.com/hbomb79/Mimic/pkg/worker"
)

var log = logger.Get("Registry")

type (
	Config struct {
		OwnerID            string        `yaml:"owner_id" env:"LIBRARY_OWNER_ID" env-required:"true"`
		TranscribeDebounce time.Duration `yaml:"transcribe_debounce" env:"LIBRARY_TRANSCRIBE_DEBOUNCE" env-default:"1s"`
	}

	FileStore interface {
		Place(ctx context.Context, localPath string, kind library.Kind) (*library.Placement, error)
		Remove(path string) error
		Path(kind library.Kind, hash string, ext string) string
	}

	Downloader interface {
		Download(ctx context.Context, url string, opts download.Options) (string, error)
	}

	Prober interface {
		Probe(path string) (*ffmpeg.MediaMetadata, error)
	}

	Scheduler interface {
		Submit(label string, fn worker.TaskFunc) *worker.Task
		SubmitAfter(delay time.Duration, label string, fn worker.TaskFunc) *worker.Task
	}

	// Transcriber is the subset of the transcription engine the registry
	// schedules work against once an asset is created.
	Transcriber interface {
		TranscribeAsset(ctx context.Context, kind Kind, id uuid.UUID) error
	}

	// Syncer is the subset of the sync orchestrator the registry schedules
	// work against when records are created or modified.
	Syncer interface {
		SyncAsset(ctx context.Context, kind Kind, id uuid.UUID) error
		SyncRecording(ctx context.Context, id uuid.UUID) error
	}

	Registry struct {
		config      Config
		store       Store
		files       FileStore
		downloader  Downloader
		prober      Prober
		scheduler   Scheduler
		notifier    event.Notifier
		transcriber Transcriber
		syncer      Syncer

		// Recordings with identical bytes share a file, so creation and
		// destruction of a recording file are serialized per path.
		recordingFiles pathLocks
	}
)

func New(config Config, store Store, files FileStore, downloader Downloader, prober Prober, scheduler Scheduler, notifier event.Notifier) *Registry {
	return &Registry{
		config:     config,
		store:      store,
		files:      files,
		downloader: downloader,
		prober:     prober,
		scheduler:  scheduler,
		notifier:   notifier,
	}
}

// UsePipeline attaches the transcription and sync pipelines which the registry
// schedules background work against. Either may be nil, in which case the
// corresponding background work is not scheduled.
func (registry *Registry) UsePipeline(transcriber Transcriber, syncer Syncer) {
	registry.transcriber = transcriber
	registry.syncer = syncer
}

// Ingest brings the media at source (a local path, or an http(s) URL) in to
// the library and creates the corresponding asset row.
//
// The kind of the asset is determined by the file extension; kindHint is only
// consulted when the extension is not recognised. If content with the same hash
// already exists, a DuplicateContentError is returned and no new row is created.
//
// Once the row exists, a transcription attempt (after a short debounce) and a
// sync attempt are scheduled in the background; Ingest does not wait for either.
func (registry *Registry) Ingest(ctx context.Context, source string, kindHint Kind, params IngestParams) (asset *Asset, err error) {
	var kind Kind
	defer func() {
		label := string(kind)
		if label == "" {
			label = "unknown"
		}
		metrics.IngestsTotal.WithLabelValues(label, metrics.Outcome(err)).Inc()
	}()

	localPath := source
	if isRemote(source) {
		downloaded, err := registry.downloader.Download(ctx, source, download.Options{})
		if err != nil {
			return nil, &library.IngestionError{Reason: library.DownloadFailed, Path: source, Err: err}
		}

		// The staged download is only needed until it has been placed
		defer func() {
			if err := registry.files.Remove(downloaded); err != nil {
				log.Warnf("Failed to remove staged download %s: %v\n", downloaded, err)
			}
		}()
		localPath = downloaded
	}

	ext := strings.ToLower(filepath.Ext(localPath))
	if k, ok := KindFromExtension(ext); ok {
		kind = k
	} else if kindHint != "" {
		if _, err := ParseKind(string(kindHint)); err != nil {
			return nil, &library.IngestionError{Reason: library.UnsupportedFormat, Path: source, Err: err}
		}
		kind = kindHint
	} else {
		return nil, &library.IngestionError{Reason: library.UnsupportedFormat, Path: source, Err: fmt.Errorf("unrecognised extension %q", ext)}
	}

	placement, err := registry.files.Place(ctx, localPath, kind.LibraryKind())
	if err != nil {
		return nil, err
	}

	name := params.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(localPath), filepath.Ext(localPath))
	}

	asset = &Asset{
		ID:          AssetID(registry.config.OwnerID, placement.Hash),
		Kind:        kind,
		ContentHash: placement.Hash,
		Source:      source,
		Name:        name,
		Description: params.Description,
		CoverURL:    params.CoverURL,
		Extension:   ext,
		Metadata:    database.NewJsonColumn(metadataToMap(registry.probe(placement.Path))),
	}

	if err := registry.store.InsertAsset(ctx, asset); err != nil {
		if database.IsUniqueViolation(err) {
			log.Infof("%s %s already exists in library (hash %s)\n", kind, asset.ID, placement.Hash)
			registry.discardDuplicatePlacement(ctx, kind, asset.ID, placement)
			return nil, &DuplicateContentError{Kind: kind, ContentHash: placement.Hash, ExistingID: asset.ID, Err: err}
		}

		if placement.Created {
			if rmErr := registry.files.Remove(placement.Path); rmErr != nil {
				log.Warnf("Failed to clean up placed file %s after insert failure: %v\n", placement.Path, rmErr)
			}
		}

		return nil, fmt.Errorf("failed to create %s for %s: %w", kind, source, err)
	}

	log.Emit(logger.NEW, "Created %s %s (%s) from %s\n", kind, asset.ID, asset.Name, source)
	registry.notifier.Notify(kind.Model(), asset.ID, event.CreateAction, asset)

	id := asset.ID
	if registry.transcriber != nil {
		registry.scheduler.SubmitAfter(registry.config.TranscribeDebounce, "transcribe:"+id.String(), func(ctx context.Context) error {
			return registry.transcriber.TranscribeAsset(ctx, kind, id)
		})
	}
	registry.scheduleAssetSync(kind, id)

	return asset, nil
}

// UpdateAsset applies a partial update to the asset. As this modifies the
// asset, it is no longer considered synced until the next successful sync.
func (registry *Registry) UpdateAsset(ctx context.Context, kind Kind, id uuid.UUID, update AssetUpdate) (*Asset, error) {
	asset, err := registry.store.UpdateAsset(ctx, kind, id, update)
	if err != nil {
		return nil, err
	}

	registry.notifier.Notify(kind.Model(), id, event.UpdateAction, asset)
	registry.scheduleAssetSync(kind, id)
	return asset, nil
}

// DestroyAsset deletes the asset row and then removes
// the backing file. Failure to remove the file is logged, not returned, as the
// row is already gone. The remote copy of the asset is never touched.
func (registry *Registry) DestroyAsset(ctx context.Context, kind Kind, id uuid.UUID) error {
	asset, err := registry.store.DeleteAsset(ctx, kind, id)
	if err != nil {
		return err
	}

	path := registry.assetPath(asset)
	if err := registry.files.Remove(path); err != nil {
		log.Errorf("Failed to remove backing file %s of destroyed %s %s: %v\n", path, kind, id, err)
	}

	log.Emit(logger.REMOVE, "Destroyed %s %s\n", kind, id)
	registry.notifier.Notify(kind.Model(), id, event.DestroyAction, asset)
	return nil
}

func (registry *Registry) GetAsset(ctx context.Context, kind Kind, id uuid.UUID) (*Asset, error) {
	return registry.store.GetAsset(ctx, kind, id)
}

func (registry *Registry) ListAssets(ctx context.Context, kind Kind, opts ListOptions) ([]*Asset, error) {
	return registry.store.ListAssets(ctx, kind, opts)
}

// AssetPath resolves the path of the backing file for the asset.
func (registry *Registry) AssetPath(ctx context.Context, kind Kind, id uuid.UUID) (string, error) {
	asset, err := registry.store.GetAsset(ctx, kind, id)
	if err != nil {
		return "", err
	}

	return registry.assetPath(asset), nil
}

// AllSources returns the source of every asset in the library, allowing
// callers to skip sources which have already been imported.
func (registry *Registry) AllSources(ctx context.Context) ([]string, error) {
	return registry.store.AllSources(ctx)
}

func (registry *Registry) MarkAssetUploaded(ctx context.Context, kind Kind, id uuid.UUID) error {
	if err := registry.store.MarkAssetUploaded(ctx, kind, id); err != nil {
		return err
	}

	registry.notifyAssetChanged(ctx, kind, id)
	return nil
}

// MarkAssetSynced records a successful sync of the asset snapshot with the given
// updated_at. If the asset has since been modified, the sync time is not recorded
// and false is returned.
func (registry *Registry) MarkAssetSynced(ctx context.Context, kind Kind, id uuid.UUID, snapshot time.Time) (bool, error) {
	ok, err := registry.store.MarkAssetSynced(ctx, kind, id, snapshot)
	if err != nil || !ok {
		return ok, err
	}

	registry.notifyAssetChanged(ctx, kind, id)
	return true, nil
}

// CreateRecording places the recording file at localPath in to the library and
// creates the recording row. The counters of the target asset (if the target is
// an asset) are adjusted in the same transaction as the row is inserted.
func (registry *Registry) CreateRecording(ctx context.Context, localPath string, params RecordingParams) (*Recording, error) {
	if !params.TargetType.valid() {
		return nil, &InvalidRecordingTargetError{TargetType: params.TargetType}
	}

	placement, err := registry.files.Place(ctx, localPath, library.Recordings)
	if err != nil {
		return nil, err
	}

	unlock := registry.recordingFiles.lock(placement.Path)
	defer unlock()

	// A recording sharing this file may have been destroyed between placement
	// and acquiring the lock, taking the file with it.
	if _, err := os.Stat(placement.Path); errors.Is(err, fs.ErrNotExist) {
		if placement, err = registry.files.Place(ctx, localPath, library.Recordings); err != nil {
			return nil, err
		}
	}

	duration := params.Duration
	if duration == 0 {
		if metadata := registry.probe(placement.Path); metadata != nil {
			duration = int64(metadata.Duration * 1000)
		}
	}

	recording := &Recording{
		ID:            uuid.New(),
		TargetID:      params.TargetID,
		TargetType:    params.TargetType,
		ContentHash:   placement.Hash,
		Filename:      filepath.Base(placement.Path),
		Duration:      duration,
		ReferenceID:   params.ReferenceID,
		ReferenceText: params.ReferenceText,
	}

	if err := registry.store.InsertRecording(ctx, recording); err != nil {
		if placement.Created {
			registry.removeUnreferencedRecordingFile(ctx, placement.Path)
		}

		return nil, fmt.Errorf("failed to create recording for %s %s: %w", params.TargetType, params.TargetID, err)
	}

	log.Emit(logger.NEW, "Created recording %s for %s %s\n", recording.ID, recording.TargetType, recording.TargetID)
	registry.notifier.Notify(event.RecordingModel, recording.ID, event.CreateAction, recording)
	registry.notifyTargetChanged(ctx, recording)

	if registry.syncer != nil {
		id := recording.ID
		registry.scheduler.Submit("sync:recording:"+id.String(), func(ctx context.Context) error {
			return registry.syncer.SyncRecording(ctx, id)
		})
	}

	return recording, nil
}

// DestroyRecording deletes the recording row (adjusting its targets counters
// transactionally) and then removes its backing file, best-effort. Recordings
// with identical content share a file, which is only removed once the last
// recording referencing it is destroyed.
func (registry *Registry) DestroyRecording(ctx context.Context, id uuid.UUID) error {
	recording, err := registry.store.GetRecording(ctx, id)
	if err != nil {
		return err
	}

	path := registry.recordingPath(recording)
	unlock := registry.recordingFiles.lock(path)
	defer unlock()

	if recording, err = registry.store.DeleteRecording(ctx, id); err != nil {
		return err
	}
	registry.removeUnreferencedRecordingFile(ctx, path)

	log.Emit(logger.REMOVE, "Destroyed recording %s\n", id)
	registry.notifier.Notify(event.RecordingModel, id, event.DestroyAction, recording)
	registry.notifyTargetChanged(ctx, recording)
	return nil
}

func (registry *Registry) GetRecording(ctx context.Context, id uuid.UUID) (*Recording, error) {
	return registry.store.GetRecording(ctx, id)
}

func (registry *Registry) ListRecordings(ctx context.Context, target RecordingTarget) ([]*Recording, error) {
	return registry.store.ListRecordings(ctx, target)
}

func (registry *Registry) RecordingPath(ctx context.Context, id uuid.UUID) (string, error) {
	recording, err := registry.store.GetRecording(ctx, id)
	if err != nil {
		return "", err
	}

	return registry.recordingPath(recording), nil
}

func (registry *Registry) MarkRecordingUploaded(ctx context.Context, id uuid.UUID) error {
	return registry.store.MarkRecordingUploaded(ctx, id)
}

func (registry *Registry) MarkRecordingSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	return registry.store.MarkRecordingSynced(ctx, id, snapshot)
}

// probe extracts media metadata for the file at path. Failures are
// logged and result in nil metadata rather than an error.
func (registry *Registry) probe(path string) *ffmpeg.MediaMetadata {
	if registry.prober == nil {
		return nil
	}

	metadata, err := registry.prober.Probe(path)
	if err != nil {
		log.Warnf("Failed to probe %s, continuing with empty metadata: %v\n", path, err)
		return nil
	}

	return metadata
}

func (registry *Registry) scheduleAssetSync(kind Kind, id uuid.UUID) {
	if registry.syncer == nil {
		return
	}

	registry.scheduler.Submit("sync:"+id.String(), func(ctx context.Context) error {
		return registry.syncer.SyncAsset(ctx, kind, id)
	})
}

func (registry *Registry) notifyAssetChanged(ctx context.Context, kind Kind, id uuid.UUID) {
	asset, err := registry.store.GetAsset(ctx, kind, id)
	if err != nil {
		log.Warnf("Unable to reload %s %s for change notification: %v\n", kind, id, err)
		return
	}

	registry.notifier.Notify(kind.Model(), id, event.UpdateAction, asset)
}

// notifyTargetChanged notifies observers that the asset targeted by
// the recording has had its counters changed.
func (registry *Registry) notifyTargetChanged(ctx context.Context, recording *Recording) {
	if kind, ok := recording.TargetType.AssetKind(); ok {
		registry.notifyAssetChanged(ctx, kind, recording.TargetID)
	}
}

// discardDuplicatePlacement removes a file written for content which is
// already owned by an existing asset under a different path (for example, the
// same bytes imported with another extension). The existing assets own file
// is never removed.
func (registry *Registry) discardDuplicatePlacement(ctx context.Context, kind Kind, existingID uuid.UUID, placement *library.Placement) {
	if !placement.Created {
		return
	}

	existing, err := registry.store.GetAsset(ctx, kind, existingID)
	if err != nil {
		log.Warnf("Unable to load existing %s %s, keeping placed file %s: %v\n", kind, existingID, placement.Path, err)
		return
	}

	if registry.assetPath(existing) == placement.Path {
		return
	}

	if err := registry.files.Remove(placement.Path); err != nil {
		log.Warnf("Failed to remove duplicate placement %s: %v\n", placement.Path, err)
	}
}

// removeUnreferencedRecordingFile removes the recording file at path unless a
// recording row still references it. Must be called with the path lock held.
func (registry *Registry) removeUnreferencedRecordingFile(ctx context.Context, path string) {
	inUse, err := registry.store.RecordingFileInUse(ctx, filepath.Base(path))
	if err != nil {
		log.Errorf("Unable to determine whether recording file %s is still referenced, keeping it: %v\n", path, err)
		return
	} else if inUse {
		log.Debugf("Recording file %s is still referenced, keeping it\n", path)
		return
	}

	if err := registry.files.Remove(path); err != nil {
		log.Errorf("Failed to remove recording file %s: %v\n", path, err)
	}
}

func (registry *Registry) assetPath(asset *Asset) string {
	return registry.files.Path(asset.Kind.LibraryKind(), asset.ContentHash, asset.Extension)
}

func (registry *Registry) recordingPath(recording *Recording) string {
	return registry.files.Path(library.Recordings, recording.ContentHash, recording.Extension())
}

func isRemote(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}

	return u.Scheme == "http" || u.Scheme == "https"
}

// IsDuplicate reports whether err indicates the content was already in the library.
func IsDuplicate(err error) bool {
	var dup *DuplicateContentError
	return errors.As(err, &dup)
}
