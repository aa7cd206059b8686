package transcription

import (
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/media"
)

type State string

const (
	Pending    State = "pending"
	Processing State = "processing"
	Finished   State = "finished"
)

type (
	// Target identifies the asset a transcription belongs to. The Type
	// is a closed tag; only Audio and Video assets may be transcribed.
	Target struct {
		ID   uuid.UUID
		Type media.Kind
	}

	Transcription struct {
		ID                uuid.UUID                      `db:"id" json:"id"`
		TargetID          uuid.UUID                      `db:"target_id" json:"targetId"`
		TargetType        media.Kind                     `db:"target_type" json:"targetType"`
		TargetContentHash string                         `db:"target_content_hash" json:"targetContentHash"`
		State             State                          `db:"state" json:"state"`
		Engine            string                         `db:"engine" json:"engine"`
		Model             string                         `db:"model" json:"model"`
		Result            database.JsonColumn[[]Segment] `db:"result" json:"result"`
		SyncedAt          *time.Time                     `db:"synced_at" json:"syncedAt"`
		CreatedAt         time.Time                      `db:"created_at" json:"createdAt"`
		UpdatedAt         time.Time                      `db:"updated_at" json:"updatedAt"`
	}

	// Segment is a run of words spoken by a single speaker. Offsets are
	// measured in milliseconds from the start of the media.
	Segment struct {
		StartOffset int64  `json:"startOffset"`
		EndOffset   int64  `json:"endOffset"`
		Text        string `json:"text"`
		Words       []Word `json:"words"`
	}

	Word struct {
		Word        string `json:"word"`
		StartOffset int64  `json:"startOffset"`
		EndOffset   int64  `json:"endOffset"`
	}
)

// ParseTarget validates the target type given, returning an
// InvalidTargetTypeError if it is not a transcribable kind.
func ParseTarget(id uuid.UUID, targetType string) (Target, error) {
	target := Target{ID: id, Type: media.Kind(targetType)}
	if err := target.validate(); err != nil {
		return Target{}, err
	}

	return target, nil
}

func (t Target) validate() error {
	switch t.Type {
	case media.Audio, media.Video:
		return nil
	}

	return &InvalidTargetTypeError{TargetType: string(t.Type)}
}

func (t *Transcription) Target() Target {
	return Target{ID: t.TargetID, Type: t.TargetType}
}

func (t *Transcription) Segments() []Segment {
	if segments := t.Result.Get(); *segments != nil {
		return *segments
	}

	return []Segment{}
}

func (t *Transcription) IsSynced() bool {
	return t.SyncedAt != nil && !t.SyncedAt.Before(t.UpdatedAt)
}
