// Package syncer keeps the remote backend eventually consistent with the
// local library. Blobs are uploaded once (keyed by content hash) and metadata
// is pushed whenever a record has changed since its last successful sync.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/assessment"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/internal/metrics"
	"github.com/hbomb79/Mimic/internal/remote"
	"github.com/hbomb79/Mimic/internal/transcription"
	"github.com/hbomb79/Mimic/pkg/logger"
)

const (
	audiosResource         = "audios"
	videosResource         = "videos"
	recordingsResource     = "recordings"
	transcriptionsResource = "transcriptions"
	assessmentsResource    = "pronunciation_assessments"
)

var (
	log = logger.Get("Syncer")

	errNotAccepted = errors.New("remote did not accept the upload")
)

type (
	BlobStore interface {
		PutBlob(ctx context.Context, key string, path string) (*remote.BlobResult, error)
	}

	MetadataClient interface {
		SyncMetadata(ctx context.Context, resource string, payload any) error
	}

	Registry interface {
		GetAsset(ctx context.Context, kind media.Kind, id uuid.UUID) (*media.Asset, error)
		AssetPath(ctx context.Context, kind media.Kind, id uuid.UUID) (string, error)
		MarkAssetUploaded(ctx context.Context, kind media.Kind, id uuid.UUID) error
		MarkAssetSynced(ctx context.Context, kind media.Kind, id uuid.UUID, snapshot time.Time) (bool, error)

		GetRecording(ctx context.Context, id uuid.UUID) (*media.Recording, error)
		RecordingPath(ctx context.Context, id uuid.UUID) (string, error)
		MarkRecordingUploaded(ctx context.Context, id uuid.UUID) error
		MarkRecordingSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error)
	}

	Transcriptions interface {
		Get(ctx context.Context, id uuid.UUID) (*transcription.Transcription, error)
		MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error)
	}

	Assessments interface {
		Get(ctx context.Context, id uuid.UUID) (*assessment.Assessment, error)
		MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error)
	}

	Orchestrator struct {
		blobs          BlobStore
		client         MetadataClient
		registry       Registry
		transcriptions Transcriptions
		assessments    Assessments
	}
)

func New(blobs BlobStore, client MetadataClient, registry Registry, transcriptions Transcriptions, assessments Assessments) *Orchestrator {
	return &Orchestrator{
		blobs:          blobs,
		client:         client,
		registry:       registry,
		transcriptions: transcriptions,
		assessments:    assessments,
	}
}

// UploadAsset uploads the file backing the asset. Assets which have already
// been uploaded are skipped unless force is set.
func (orchestrator *Orchestrator) UploadAsset(ctx context.Context, kind media.Kind, id uuid.UUID, force bool) error {
	resource := assetResource(kind)
	asset, err := orchestrator.registry.GetAsset(ctx, kind, id)
	if err != nil {
		return &UploadError{Resource: resource, ID: id, Err: err}
	}

	return orchestrator.uploadAsset(ctx, asset, force)
}

func (orchestrator *Orchestrator) uploadAsset(ctx context.Context, asset *media.Asset, force bool) error {
	resource := assetResource(asset.Kind)
	if asset.IsUploaded() && !force {
		metrics.UploadsTotal.WithLabelValues(resource, metrics.OutcomeSkipped).Inc()
		return nil
	}

	err := orchestrator.upload(ctx, resource, asset.ID, resource+"/"+asset.Filename(),
		func() (string, error) { return orchestrator.registry.AssetPath(ctx, asset.Kind, asset.ID) },
		func() error { return orchestrator.registry.MarkAssetUploaded(ctx, asset.Kind, asset.ID) },
	)
	if err == nil {
		log.Emit(logger.SUCCESS, "Uploaded %s %s\n", asset.Kind, asset.ID)
	}

	return err
}

// SyncAsset pushes the metadata of the asset to the backend, uploading its
// file first if that has not yet happened.
func (orchestrator *Orchestrator) SyncAsset(ctx context.Context, kind media.Kind, id uuid.UUID) (err error) {
	resource := assetResource(kind)
	defer orchestrator.observeSync(resource, &err)

	asset, err := orchestrator.registry.GetAsset(ctx, kind, id)
	if err != nil {
		return &SyncError{Resource: resource, ID: id, Err: err}
	}
	if asset.IsSynced() {
		return nil
	}

	if err := orchestrator.uploadAsset(ctx, asset, false); err != nil {
		return &SyncError{Resource: resource, ID: id, Err: err}
	}

	return orchestrator.push(ctx, resource, id, asset, asset.UpdatedAt, func(snapshot time.Time) (bool, error) {
		return orchestrator.registry.MarkAssetSynced(ctx, kind, id, snapshot)
	})
}

func (orchestrator *Orchestrator) UploadRecording(ctx context.Context, id uuid.UUID, force bool) error {
	recording, err := orchestrator.registry.GetRecording(ctx, id)
	if err != nil {
		return &UploadError{Resource: recordingsResource, ID: id, Err: err}
	}

	return orchestrator.uploadRecording(ctx, recording, force)
}

func (orchestrator *Orchestrator) uploadRecording(ctx context.Context, recording *media.Recording, force bool) error {
	if recording.IsUploaded() && !force {
		metrics.UploadsTotal.WithLabelValues(recordingsResource, metrics.OutcomeSkipped).Inc()
		return nil
	}

	return orchestrator.upload(ctx, recordingsResource, recording.ID, recordingsResource+"/"+recording.Filename,
		func() (string, error) { return orchestrator.registry.RecordingPath(ctx, recording.ID) },
		func() error { return orchestrator.registry.MarkRecordingUploaded(ctx, recording.ID) },
	)
}

func (orchestrator *Orchestrator) SyncRecording(ctx context.Context, id uuid.UUID) (err error) {
	defer orchestrator.observeSync(recordingsResource, &err)

	recording, err := orchestrator.registry.GetRecording(ctx, id)
	if err != nil {
		return &SyncError{Resource: recordingsResource, ID: id, Err: err}
	}

	return orchestrator.syncRecording(ctx, recording)
}

func (orchestrator *Orchestrator) syncRecording(ctx context.Context, recording *media.Recording) error {
	if recording.IsSynced() {
		return nil
	}

	if err := orchestrator.uploadRecording(ctx, recording, false); err != nil {
		return &SyncError{Resource: recordingsResource, ID: recording.ID, Err: err}
	}

	return orchestrator.push(ctx, recordingsResource, recording.ID, recording, recording.UpdatedAt, func(snapshot time.Time) (bool, error) {
		return orchestrator.registry.MarkRecordingSynced(ctx, recording.ID, snapshot)
	})
}

// SyncTranscription pushes a finished transcription to the backend.
// Transcriptions which are not finished are skipped.
func (orchestrator *Orchestrator) SyncTranscription(ctx context.Context, id uuid.UUID) (err error) {
	defer orchestrator.observeSync(transcriptionsResource, &err)

	t, err := orchestrator.transcriptions.Get(ctx, id)
	if err != nil {
		return &SyncError{Resource: transcriptionsResource, ID: id, Err: err}
	}
	if t.State != transcription.Finished {
		log.Debugf("Skipping sync of transcription %s in state %s\n", id, t.State)
		return nil
	}
	if t.IsSynced() {
		return nil
	}

	return orchestrator.push(ctx, transcriptionsResource, id, t, t.UpdatedAt, func(snapshot time.Time) (bool, error) {
		return orchestrator.transcriptions.MarkSynced(ctx, id, snapshot)
	})
}

// SyncAssessment pushes an assessment to the backend, syncing the recording
// it belongs to first so the backend can resolve the reference.
func (orchestrator *Orchestrator) SyncAssessment(ctx context.Context, id uuid.UUID) (err error) {
	defer orchestrator.observeSync(assessmentsResource, &err)

	a, err := orchestrator.assessments.Get(ctx, id)
	if err != nil {
		return &SyncError{Resource: assessmentsResource, ID: id, Err: err}
	}
	if a.IsSynced() {
		return nil
	}

	recording, err := orchestrator.registry.GetRecording(ctx, a.RecordingID)
	if err != nil {
		return &SyncError{Resource: assessmentsResource, ID: id, Err: err}
	}
	if err := orchestrator.syncRecording(ctx, recording); err != nil {
		return &SyncError{Resource: assessmentsResource, ID: id, Err: err}
	}

	return orchestrator.push(ctx, assessmentsResource, id, a, a.UpdatedAt, func(snapshot time.Time) (bool, error) {
		return orchestrator.assessments.MarkSynced(ctx, id, snapshot)
	})
}

func (orchestrator *Orchestrator) upload(ctx context.Context, resource string, id uuid.UUID, key string, path func() (string, error), markUploaded func() error) (err error) {
	defer func() {
		metrics.UploadsTotal.WithLabelValues(resource, metrics.Outcome(err)).Inc()
		if err != nil {
			err = &UploadError{Resource: resource, ID: id, Err: err}
		}
	}()

	localPath, err := path()
	if err != nil {
		return err
	}

	result, err := orchestrator.blobs.PutBlob(ctx, key, localPath)
	if err != nil {
		return err
	}
	if result == nil || !result.Success {
		return errNotAccepted
	}

	return markUploaded()
}

// push sends the payload to the backend, then marks the record as synced
// provided it was not modified since the snapshot was taken.
func (orchestrator *Orchestrator) push(ctx context.Context, resource string, id uuid.UUID, payload any, snapshot time.Time, markSynced func(time.Time) (bool, error)) error {
	if err := orchestrator.client.SyncMetadata(ctx, resource, payload); err != nil {
		return &SyncError{Resource: resource, ID: id, Err: err}
	}

	synced, err := markSynced(snapshot)
	if err != nil {
		return &SyncError{Resource: resource, ID: id, Err: fmt.Errorf("failed to record sync: %w", err)}
	}

	if synced {
		log.Emit(logger.SUCCESS, "Synced %s %s\n", resource, id)
	} else {
		log.Debugf("%s %s changed during sync, leaving it unsynced\n", resource, id)
	}

	return nil
}

func (orchestrator *Orchestrator) observeSync(resource string, err *error) {
	metrics.SyncsTotal.WithLabelValues(resource, metrics.Outcome(*err)).Inc()
}

func assetResource(kind media.Kind) string {
	if kind == media.Video {
		return videosResource
	}

	return audiosResource
}
