// Package download fetches remote resources in to the library staging area,
// reporting progress as bytes arrive and supporting cancellation of
// individual (or all) in-flight transfers.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/Mimic/internal/metrics"
	"github.com/hbomb79/Mimic/pkg/logger"
	tsync "github.com/hbomb79/Mimic/pkg/sync"
)

var log = logger.Get("Download")

const (
	partSuffix = ".part"
	bufferSize = 32 * 1024
)

type (
	Progress = event.TransferProgress

	Config struct {
		HistorySize      int           `yaml:"history_size" env:"DOWNLOAD_HISTORY_SIZE" env-default:"50"`
		ProgressInterval time.Duration `yaml:"progress_interval" env:"DOWNLOAD_PROGRESS_INTERVAL" env-default:"250ms"`
	}

	// Options control a single download. Name identifies the transfer for
	// Cancel and the Dashboard, and defaults to the final path segment of the
	// URL. SavePath defaults to a file of that name in the staging directory.
	// When Progress is set, progressing updates are sent to it without blocking
	// (and dropped if the channel is full). The terminal update waits for the
	// receiver or for the callers context to end, so Progress should be
	// buffered (at least 1) when the caller does not read it concurrently.
	Options struct {
		Name     string
		SavePath string
		Progress chan<- Progress
	}

	Manager struct {
		transport  Transport
		stagingDir string
		dispatcher event.EventDispatcher
		config     Config
		transfers  *tsync.TypedSyncMap[string, *transfer]
		history    *lru.Cache[string, Progress]
	}

	transfer struct {
		*sync.Mutex
		url       string
		progress  Progress
		cancel    context.CancelFunc
		cancelled bool
	}
)

func New(config Config, transport Transport, stagingDir string, dispatcher event.EventDispatcher) (*Manager, error) {
	if config.HistorySize < 1 {
		config.HistorySize = 1
	}

	history, err := lru.New[string, Progress](config.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to construct download history: %w", err)
	}

	if transport == nil {
		transport = &HTTPTransport{}
	}

	return &Manager{
		transport:  transport,
		stagingDir: stagingDir,
		dispatcher: dispatcher,
		config:     config,
		transfers:  &tsync.TypedSyncMap[string, *transfer]{},
		history:    history,
	}, nil
}

// Download fetches the resource at the URL provided, returning the path the
// resource was saved to once the transfer completes. The body is streamed to a
// '.part' file beside the save path, and only renamed in to place once
// the transfer has completed, so the save path never holds partial content.
//
// If the transfer is interrupted or cancelled, the partial file is removed and
// a DownloadError is returned.
func (manager *Manager) Download(ctx context.Context, rawURL string, opts Options) (string, error) {
	name := opts.Name
	if name == "" {
		name = nameFromURL(rawURL)
	}
	if name == "" {
		return "", &DownloadError{Name: name, URL: rawURL, State: event.TransferInterrupted, Err: errors.New("unable to derive a transfer name from URL")}
	}

	savePath := opts.SavePath
	if savePath == "" {
		savePath = filepath.Join(manager.stagingDir, name)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := &transfer{
		Mutex:    &sync.Mutex{},
		url:      rawURL,
		progress: Progress{Name: name, State: event.TransferProgressing, TotalBytes: -1},
		cancel:   cancel,
	}
	if _, loaded := manager.transfers.LoadOrStore(name, t); loaded {
		return "", ErrTransferExists
	}

	log.Emit(logger.NEW, "Starting download %s from %s\n", name, rawURL)
	resultPath, err := manager.run(ctx, t, savePath, opts.Progress)

	final := t.snapshot()
	manager.transfers.CompareAndDelete(name, t)
	manager.history.Add(name, final)
	metrics.DownloadsTotal.WithLabelValues(string(final.State)).Inc()
	if final.State == event.TransferCompleted {
		metrics.DownloadedBytes.Add(float64(final.ReceivedBytes))
		log.Emit(logger.SUCCESS, "Download %s complete (%d bytes)\n", name, final.ReceivedBytes)
	} else {
		log.Warnf("Download %s %s: %v\n", name, final.State, err)
	}

	manager.emitTerminal(parent, final, opts.Progress)
	return resultPath, err
}

func (manager *Manager) run(ctx context.Context, t *transfer, savePath string, progress chan<- Progress) (string, error) {
	partPath := savePath + partSuffix

	body, total, err := manager.transport.Open(ctx, t.url)
	if err != nil {
		return "", manager.fail(ctx, t, partPath, err)
	}
	defer body.Close()
	t.setTotal(total)

	if err := os.MkdirAll(filepath.Dir(savePath), 0o750); err != nil {
		return "", manager.fail(ctx, t, partPath, err)
	}

	f, err := os.Create(partPath)
	if err != nil {
		return "", manager.fail(ctx, t, partPath, err)
	}

	if err := manager.stream(ctx, t, body, f, progress); err != nil {
		f.Close()
		return "", manager.fail(ctx, t, partPath, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return "", manager.fail(ctx, t, partPath, err)
	}

	if err := f.Close(); err != nil {
		return "", manager.fail(ctx, t, partPath, err)
	}

	// A cancellation which lands after the final read must still win
	// over completion.
	if !t.complete() {
		return "", manager.fail(ctx, t, partPath, ErrCancelled)
	}

	if err := os.Rename(partPath, savePath); err != nil {
		_ = os.Remove(partPath)
		t.setState(event.TransferInterrupted)
		return "", &DownloadError{Name: t.name(), URL: t.url, State: event.TransferInterrupted, Err: err}
	}

	return savePath, nil
}

func (manager *Manager) stream(ctx context.Context, t *transfer, body io.Reader, out io.Writer, progress chan<- Progress) error {
	buf := make([]byte, bufferSize)
	lastEmit := time.Time{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}

			t.addReceived(int64(n))
			if time.Since(lastEmit) >= manager.config.ProgressInterval {
				lastEmit = time.Now()
				manager.emit(t.snapshot(), progress)
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		} else if readErr != nil {
			return readErr
		}
	}

	snapshot := t.snapshot()
	if snapshot.TotalBytes >= 0 && snapshot.ReceivedBytes != snapshot.TotalBytes {
		return fmt.Errorf("received %d of %d bytes: %w", snapshot.ReceivedBytes, snapshot.TotalBytes, io.ErrUnexpectedEOF)
	}

	return nil
}

// fail removes the partial file for the transfer and moves it to a terminal
// failure state, returning the DownloadError describing it.
func (manager *Manager) fail(ctx context.Context, t *transfer, partPath string, cause error) error {
	if err := os.Remove(partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Errorf("Failed to remove partial download %s: %v\n", partPath, err)
	}

	state := event.TransferInterrupted
	if t.wasCancelled() || errors.Is(ctx.Err(), context.Canceled) {
		state = event.TransferCancelled
		cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}

	t.setState(state)
	return &DownloadError{Name: t.name(), URL: t.url, State: state, Err: cause}
}

func (manager *Manager) emit(progress Progress, ch chan<- Progress) {
	manager.dispatch(progress)
	if ch == nil {
		return
	}

	select {
	case ch <- progress:
	default:
	}
}

func (manager *Manager) emitTerminal(ctx context.Context, progress Progress, ch chan<- Progress) {
	manager.dispatch(progress)
	if ch == nil {
		return
	}

	select {
	case ch <- progress:
	case <-ctx.Done():
		log.Warnf("Terminal progress of download %s was not received before the context ended\n", progress.Name)
	}
}

func (manager *Manager) dispatch(progress Progress) {
	if manager.dispatcher != nil {
		manager.dispatcher.Dispatch(event.DOWNLOAD_PROGRESS, progress)
	}
}

// Cancel aborts the named transfer if it is progressing. Returns false if
// no such transfer is in progress.
func (manager *Manager) Cancel(name string) bool {
	t, ok := manager.transfers.Load(name)
	if !ok {
		return false
	}

	return t.requestCancel()
}

// CancelAll aborts every progressing transfer, returning the number
// of transfers which were cancelled.
func (manager *Manager) CancelAll() int {
	count := 0
	manager.transfers.Range(func(_ string, t *transfer) bool {
		if t.requestCancel() {
			count++
		}
		return true
	})

	return count
}

// Dashboard returns a snapshot of all in-flight transfers (sorted by name),
// followed by the most recent terminal transfers (oldest first).
func (manager *Manager) Dashboard() []Progress {
	inflight := make([]Progress, 0)
	manager.transfers.Range(func(_ string, t *transfer) bool {
		inflight = append(inflight, t.snapshot())
		return true
	})
	sort.Slice(inflight, func(i, j int) bool { return inflight[i].Name < inflight[j].Name })

	return append(inflight, manager.history.Values()...)
}

func (t *transfer) snapshot() Progress {
	t.Lock()
	defer t.Unlock()
	return t.progress
}

func (t *transfer) name() string { return t.snapshot().Name }

func (t *transfer) setTotal(total int64) {
	t.Lock()
	defer t.Unlock()
	t.progress.TotalBytes = total
}

func (t *transfer) addReceived(n int64) {
	t.Lock()
	defer t.Unlock()
	t.progress.ReceivedBytes += n
}

func (t *transfer) setState(state event.TransferState) {
	t.Lock()
	defer t.Unlock()
	t.progress.State = state
}

func (t *transfer) wasCancelled() bool {
	t.Lock()
	defer t.Unlock()
	return t.cancelled
}

// complete transitions the transfer to completed, unless a
// cancellation has already been requested.
func (t *transfer) complete() bool {
	t.Lock()
	defer t.Unlock()
	if t.cancelled {
		return false
	}

	t.progress.State = event.TransferCompleted
	return true
}

func (t *transfer) requestCancel() bool {
	t.Lock()
	defer t.Unlock()
	if t.progress.State != event.TransferProgressing || t.cancelled {
		return false
	}

	t.cancelled = true
	t.cancel()
	return true
}

func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}

	return name
}
