package assessment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
)

type (
	// Assessment is the immutable pronunciation score of a recording against
	// a reference text. A new reference text produces a replacement assessment.
	Assessment struct {
		ID                 uuid.UUID                   `db:"id" json:"id"`
		RecordingID        uuid.UUID                   `db:"recording_id" json:"recordingId"`
		ReferenceText      string                      `db:"reference_text" json:"referenceText"`
		Language           string                      `db:"language" json:"language"`
		AccuracyScore      float64                     `db:"accuracy_score" json:"accuracyScore"`
		FluencyScore       float64                     `db:"fluency_score" json:"fluencyScore"`
		CompletenessScore  float64                     `db:"completeness_score" json:"completenessScore"`
		PronunciationScore float64                     `db:"pronunciation_score" json:"pronunciationScore"`
		ProsodyScore       *float64                    `db:"prosody_score" json:"prosodyScore"`
		GrammarScore       *float64                    `db:"grammar_score" json:"grammarScore"`
		VocabularyScore    *float64                    `db:"vocabulary_score" json:"vocabularyScore"`
		TopicScore         *float64                    `db:"topic_score" json:"topicScore"`
		Result             database.JsonColumn[Detail] `db:"result" json:"result"`
		SyncedAt           *time.Time                  `db:"synced_at" json:"syncedAt"`
		CreatedAt          time.Time                   `db:"created_at" json:"createdAt"`
		UpdatedAt          time.Time                   `db:"updated_at" json:"updatedAt"`
	}

	Detail struct {
		Words []WordResult `json:"words"`
	}

	// WordResult is the score of a single word. Offsets and durations
	// are in milliseconds.
	WordResult struct {
		Word          string       `json:"word"`
		AccuracyScore float64      `json:"accuracyScore"`
		ErrorType     string       `json:"errorType"`
		Offset        int64        `json:"offset"`
		Duration      int64        `json:"duration"`
		Syllables     []UnitResult `json:"syllables,omitempty"`
		Phonemes      []UnitResult `json:"phonemes,omitempty"`
	}

	// UnitResult scores a syllable or phoneme within a word.
	UnitResult struct {
		Text          string  `json:"text"`
		AccuracyScore float64 `json:"accuracyScore"`
		Offset        int64   `json:"offset"`
		Duration      int64   `json:"duration"`
	}

	// Score is the structured result produced by an Assessor.
	Score struct {
		Accuracy      float64
		Fluency       float64
		Completeness  float64
		Pronunciation float64
		Prosody       *float64
		Grammar       *float64
		Vocabulary    *float64
		Topic         *float64
		Words         []WordResult
	}
)

func (a *Assessment) IsSynced() bool {
	return a.SyncedAt != nil && !a.SyncedAt.Before(a.UpdatedAt)
}

func (a *Assessment) Words() []WordResult {
	return a.Result.Get().Words
}

// AssessmentError is returned when a recording could not be assessed.
type AssessmentError struct {
	RecordingID uuid.UUID
	Err         error
}

func (e *AssessmentError) Error() string {
	return fmt.Sprintf("assessment of recording %s failed: %v", e.RecordingID, e.Err)
}

func (e *AssessmentError) Unwrap() error { return e.Err }
