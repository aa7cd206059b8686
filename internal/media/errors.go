package media

import (
	"fmt"

	"github.com/google/uuid"
)

// DuplicateContentError is returned by Ingest when an asset with the same
// content hash already exists. Callers should treat this as "already in
// the library" rather than as a failure.
type DuplicateContentError struct {
	Kind        Kind
	ContentHash string
	ExistingID  uuid.UUID
	Err         error
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("%s with content hash %s already exists (id %s)", e.Kind, e.ContentHash, e.ExistingID)
}

func (e *DuplicateContentError) Unwrap() error { return e.Err }

// InvalidRecordingTargetError is returned when a Recording is created against
// a target type outside of the closed set of supported types.
type InvalidRecordingTargetError struct {
	TargetType RecordingTargetType
}

func (e *InvalidRecordingTargetError) Error() string {
	return fmt.Sprintf("recording target type %q is not supported", e.TargetType)
}
