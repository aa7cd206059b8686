package download

import (
	"errors"
	"fmt"

	"github.com/hbomb79/Mimic/internal/event"
)

var (
	ErrTransferExists = errors.New("a transfer with this name is already in progress")
	ErrCancelled      = errors.New("transfer cancelled")
)

// DownloadError is returned when a transfer does not complete. The partial
// file for the transfer has been removed by the time this error is returned.
type DownloadError struct {
	Name  string
	URL   string
	State event.TransferState
	Err   error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s (%s) %s: %v", e.Name, e.URL, e.State, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
