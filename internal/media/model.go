package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/ffmpeg"
	"github.com/hbomb79/Mimic/internal/library"
	"github.com/mitchellh/mapstructure"
)

type Kind string

const (
	Audio Kind = "Audio"
	Video Kind = "Video"
)

var (
	audioExtensions = map[string]struct{}{
		".mp3": {}, ".wav": {}, ".m4a": {}, ".aac": {}, ".flac": {}, ".ogg": {}, ".opus": {}, ".wma": {},
	}
	videoExtensions = map[string]struct{}{
		".mp4": {}, ".mkv": {}, ".mov": {}, ".avi": {}, ".m4v": {}, ".flv": {}, ".wmv": {}, ".ts": {}, ".webm": {},
	}
)

// KindFromExtension determines the kind of media a file holds based on its
// extension. The boolean result is false if the extension is not recognised.
func KindFromExtension(ext string) (Kind, bool) {
	ext = strings.ToLower(ext)
	if _, ok := videoExtensions[ext]; ok {
		return Video, true
	}
	if _, ok := audioExtensions[ext]; ok {
		return Audio, true
	}

	return "", false
}

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Audio, Video:
		return Kind(s), nil
	}

	return "", fmt.Errorf("unknown media kind %q", s)
}

func (k Kind) table() string {
	if k == Video {
		return "videos"
	}

	return "audios"
}

func (k Kind) LibraryKind() library.Kind {
	if k == Video {
		return library.Videos
	}

	return library.Audios
}

func (k Kind) Model() event.Model {
	if k == Video {
		return event.VideoModel
	}

	return event.AudioModel
}

// RecordingTargetType is the closed set of models a Recording may
// be attached to.
type RecordingTargetType string

const (
	RecordingOnAudio   RecordingTargetType = "Audio"
	RecordingOnVideo   RecordingTargetType = "Video"
	RecordingOnMessage RecordingTargetType = "Message"
)

// AssetKind returns the asset kind the target type refers to, if any. Messages
// are not assets, and so have no aggregate counters to maintain.
func (t RecordingTargetType) AssetKind() (Kind, bool) {
	switch t {
	case RecordingOnAudio:
		return Audio, true
	case RecordingOnVideo:
		return Video, true
	}

	return "", false
}

func (t RecordingTargetType) valid() bool {
	return t == RecordingOnAudio || t == RecordingOnVideo || t == RecordingOnMessage
}

type (
	// Asset is an ingested Audio or Video file. The ID of an asset is derived
	// from the owning user and the content hash, so importing the same content
	// twice always yields the same ID.
	Asset struct {
		ID                 uuid.UUID                           `db:"id" json:"id"`
		Kind               Kind                                `db:"-" json:"kind"`
		ContentHash        string                              `db:"content_hash" json:"contentHash"`
		Source             string                              `db:"source" json:"source"`
		Name               string                              `db:"name" json:"name"`
		Description        string                              `db:"description" json:"description"`
		CoverURL           string                              `db:"cover_url" json:"coverUrl"`
		Extension          string                              `db:"extension" json:"extension"`
		Metadata           database.JsonColumn[map[string]any] `db:"metadata" json:"metadata"`
		RecordingsCount    int                                 `db:"recordings_count" json:"recordingsCount"`
		RecordingsDuration int64                               `db:"recordings_duration" json:"recordingsDuration"`
		SyncedAt           *time.Time                          `db:"synced_at" json:"syncedAt"`
		UploadedAt         *time.Time                          `db:"uploaded_at" json:"uploadedAt"`
		CreatedAt          time.Time                           `db:"created_at" json:"createdAt"`
		UpdatedAt          time.Time                           `db:"updated_at" json:"updatedAt"`
	}

	// Recording is a short user-produced clip attached to an asset or message.
	// Duration is measured in milliseconds.
	Recording struct {
		ID            uuid.UUID           `db:"id" json:"id"`
		TargetID      uuid.UUID           `db:"target_id" json:"targetId"`
		TargetType    RecordingTargetType `db:"target_type" json:"targetType"`
		ContentHash   string              `db:"content_hash" json:"contentHash"`
		Filename      string              `db:"filename" json:"filename"`
		Duration      int64               `db:"duration" json:"duration"`
		ReferenceID   string              `db:"reference_id" json:"referenceId"`
		ReferenceText string              `db:"reference_text" json:"referenceText"`
		SyncedAt      *time.Time          `db:"synced_at" json:"syncedAt"`
		UploadedAt    *time.Time          `db:"uploaded_at" json:"uploadedAt"`
		CreatedAt     time.Time           `db:"created_at" json:"createdAt"`
		UpdatedAt     time.Time           `db:"updated_at" json:"updatedAt"`
	}

	IngestParams struct {
		Name        string
		Description string
		CoverURL    string
	}

	// AssetUpdate describes a partial update; nil fields are left unchanged.
	AssetUpdate struct {
		Name        *string
		Description *string
		CoverURL    *string
	}

	RecordingParams struct {
		TargetID      uuid.UUID
		TargetType    RecordingTargetType
		ReferenceID   string
		ReferenceText string
		// Duration in milliseconds. If zero, the duration is probed from the file.
		Duration int64
	}

	RecordingTarget struct {
		ID   uuid.UUID
		Type RecordingTargetType
	}

	ListOptions struct {
		Limit  uint64
		Offset uint64
	}
)

// AssetID derives the deterministic ID for content owned by the given user.
func AssetID(ownerID string, contentHash string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(ownerID+"/"+contentHash))
}

// IsSynced reports whether the remote copy of this asset reflects its
// latest local state.
func (a *Asset) IsSynced() bool {
	return isSynced(a.SyncedAt, a.UpdatedAt)
}

func (a *Asset) IsUploaded() bool { return a.UploadedAt != nil }

// Filename is the name of the backing file within the library.
func (a *Asset) Filename() string { return a.ContentHash + a.Extension }

// MediaMetadata decodes the free-form metadata of the asset in to
// the structured form produced by the media prober.
func (a *Asset) MediaMetadata() (*ffmpeg.MediaMetadata, error) {
	var out ffmpeg.MediaMetadata
	raw := a.Metadata.Get()
	if raw == nil || *raw == nil {
		return &out, nil
	}

	if err := mapstructure.WeakDecode(*raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for asset %s: %w", a.ID, err)
	}

	return &out, nil
}

func (r *Recording) IsSynced() bool   { return isSynced(r.SyncedAt, r.UpdatedAt) }
func (r *Recording) IsUploaded() bool { return r.UploadedAt != nil }
func (r *Recording) Extension() string {
	return filepath.Ext(r.Filename)
}

func isSynced(syncedAt *time.Time, updatedAt time.Time) bool {
	return syncedAt != nil && !syncedAt.Before(updatedAt)
}

// metadataToMap flattens probed metadata in to the free-form map stored
// against an asset.
func metadataToMap(metadata *ffmpeg.MediaMetadata) map[string]any {
	out := make(map[string]any)
	if metadata == nil {
		return out
	}

	if err := mapstructure.Decode(metadata, &out); err != nil {
		log.Warnf("Failed to flatten media metadata: %v\n", err)
	}

	return out
}
