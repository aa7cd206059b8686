package syncer

import (
	"fmt"

	"github.com/google/uuid"
)

// UploadError is returned when the blob backing a record could not be
// uploaded, or the remote refused it.
type UploadError struct {
	Resource string
	ID       uuid.UUID
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s %s failed: %v", e.Resource, e.ID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SyncError is returned when the metadata of a record could not be
// pushed to the remote backend.
type SyncError struct {
	Resource string
	ID       uuid.UUID
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync of %s %s failed: %v", e.Resource, e.ID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
