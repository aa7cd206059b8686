package library

import "fmt"

type IngestionReason string

const (
	UnreadableSource   IngestionReason = "source unreadable"
	WriteFailed        IngestionReason = "destination write failed"
	VerifyFailed       IngestionReason = "destination verification failed"
	UnsupportedFormat  IngestionReason = "unsupported format"
	DownloadFailed     IngestionReason = "download failed"
	InvalidDestination IngestionReason = "invalid destination"
)

// IngestionError is returned when a file could not be brought in to the
// library. Any partial destination file has been removed by the time this
// error is returned.
type IngestionError struct {
	Reason IngestionReason
	Path   string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ingestion of %s failed: %s", e.Path, e.Reason)
	}

	return fmt.Sprintf("ingestion of %s failed: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }
