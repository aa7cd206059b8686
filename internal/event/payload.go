package event

import "github.com/google/uuid"

type (
	Model  string
	Action string

	// ModelChange is the payload of MODEL_CHANGE events. Record is a snapshot of
	// the model at the time of the change, and may be nil for destroy actions.
	ModelChange struct {
		Model  Model     `json:"model"`
		ID     uuid.UUID `json:"id"`
		Action Action    `json:"action"`
		Record any       `json:"record,omitempty"`
	}

	TransferState string

	// TransferProgress is the payload of DOWNLOAD_PROGRESS events, emitted
	// repeatedly for a single transfer until it reaches a terminal state.
	TransferProgress struct {
		Name          string        `json:"name"`
		State         TransferState `json:"state"`
		ReceivedBytes int64         `json:"receivedBytes"`
		TotalBytes    int64         `json:"totalBytes"`
	}
)

const (
	AudioModel         Model = "Audio"
	VideoModel         Model = "Video"
	RecordingModel     Model = "Recording"
	TranscriptionModel Model = "Transcription"
	AssessmentModel    Model = "PronunciationAssessment"

	CreateAction  Action = "create"
	UpdateAction  Action = "update"
	DestroyAction Action = "destroy"

	TransferProgressing TransferState = "progressing"
	TransferCompleted   TransferState = "completed"
	TransferInterrupted TransferState = "interrupted"
	TransferCancelled   TransferState = "cancelled"
)

// IsTerminal returns true if no further progress will be reported for
// a transfer in this state.
func (s TransferState) IsTerminal() bool {
	return s != TransferProgressing
}
