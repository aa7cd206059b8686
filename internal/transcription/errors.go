package transcription

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrClaimLost is returned when a transcription is no longer in the processing
// state by the time its result is stored (e.g. the startup sweep reset it).
var ErrClaimLost = errors.New("transcription is no longer processing")

type InvalidTargetTypeError struct {
	TargetType string
}

func (e *InvalidTargetTypeError) Error() string {
	return fmt.Sprintf("invalid transcription target type %q (expected Audio or Video)", e.TargetType)
}

// TranscriptionError is returned when an attempt to transcribe fails. By the time
// this error is returned the transcription has been returned to the pending state.
type TranscriptionError struct {
	ID  uuid.UUID
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription %s failed: %v", e.ID, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }
