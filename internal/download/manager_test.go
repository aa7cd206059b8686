package download_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hbomb79/Mimic/internal/download"
	"github.com/hbomb79/Mimic/internal/event"
	"github.com/hbomb79/go-chanassert"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTransport serves the same payload for every request.
type staticTransport struct {
	payload []byte
}

func (s *staticTransport) Open(_ context.Context, _ string) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(s.payload)), int64(len(s.payload)), nil
}

// stallingTransport writes an initial chunk and then blocks until the
// request context is cancelled, mimicking a slow remote.
type stallingTransport struct {
	initial []byte
	total   int64
}

func (s *stallingTransport) Open(ctx context.Context, _ string) (io.ReadCloser, int64, error) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write(s.initial)
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()

	return pr, s.total, nil
}

// failingTransport yields some bytes and then a read error.
type failingTransport struct{}

func (failingTransport) Open(_ context.Context, _ string) (io.ReadCloser, int64, error) {
	r := io.MultiReader(bytes.NewReader([]byte("partial")), &errReader{errors.New("connection reset")})
	return io.NopCloser(r), 1024, nil
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }

func newManager(t *testing.T, transport download.Transport) (*download.Manager, string) {
	dir := t.TempDir()
	manager, err := download.New(download.Config{HistorySize: 10}, transport, dir, event.New())
	require.NoError(t, err)

	return manager, dir
}

func Test_Download_Completes(t *testing.T) {
	payload := []byte(strings.Repeat(random.String(128), 800))
	manager, dir := newManager(t, &staticTransport{payload})

	progress := make(chan download.Progress, 100)
	exp := chanassert.NewChannelExpecter(progress).Expect(
		chanassert.OneOf(chanassert.MatchPredicate(func(p download.Progress) bool {
			return p.State == event.TransferCompleted && p.ReceivedBytes == int64(len(payload))
		})),
	)
	exp.Listen()

	path, err := manager.Download(context.Background(), "https://example.com/media/talk.mp3?sig=abc", download.Options{Progress: progress})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "talk.mp3"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, content)
	assert.NoFileExists(t, path+".part")
	exp.AssertSatisfied(t, time.Second)

	dashboard := manager.Dashboard()
	require.Len(t, dashboard, 1)
	assert.Equal(t, event.TransferCompleted, dashboard[0].State)
}

func Test_Download_CancelLeavesNoBytes(t *testing.T) {
	manager, dir := newManager(t, &stallingTransport{initial: []byte(strings.Repeat(random.String(128), 4)), total: 4096})
	savePath := filepath.Join(dir, "nested", "lecture.mp4")

	progress := make(chan download.Progress, 100)
	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		path, err := manager.Download(context.Background(), "https://example.com/lecture.mp4", download.Options{Name: "lecture", SavePath: savePath, Progress: progress})
		done <- result{path, err}
	}()

	require.Eventually(t, func() bool {
		for _, p := range manager.Dashboard() {
			if p.Name == "lecture" && p.ReceivedBytes > 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.True(t, manager.Cancel("lecture"))

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("download did not return after cancellation")
	}

	assert.Empty(t, res.path)
	var downloadErr *download.DownloadError
	require.ErrorAs(t, res.err, &downloadErr)
	assert.Equal(t, event.TransferCancelled, downloadErr.State)
	assert.ErrorIs(t, res.err, download.ErrCancelled)

	assert.NoFileExists(t, savePath)
	assert.NoFileExists(t, savePath+".part")

	// Cancelling a transfer which is no longer progressing is a no-op
	assert.False(t, manager.Cancel("lecture"))
}

func Test_Download_InterruptedRemovesPartial(t *testing.T) {
	manager, dir := newManager(t, failingTransport{})

	path, err := manager.Download(context.Background(), "https://example.com/broken.mp3", download.Options{})
	assert.Empty(t, path)

	var downloadErr *download.DownloadError
	require.ErrorAs(t, err, &downloadErr)
	assert.Equal(t, event.TransferInterrupted, downloadErr.State)
	assert.NoFileExists(t, filepath.Join(dir, "broken.mp3"))
	assert.NoFileExists(t, filepath.Join(dir, "broken.mp3.part"))
}

func Test_Download_DuplicateNameWhileProgressing(t *testing.T) {
	manager, _ := newManager(t, &stallingTransport{initial: []byte("abc"), total: 100})

	done := make(chan error, 1)
	go func() {
		_, err := manager.Download(context.Background(), "https://example.com/a.mp3", download.Options{Name: "same"})
		done <- err
	}()

	require.Eventually(t, func() bool { return len(manager.Dashboard()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := manager.Download(context.Background(), "https://example.com/b.mp3", download.Options{Name: "same"})
	assert.ErrorIs(t, err, download.ErrTransferExists)

	assert.Equal(t, 1, manager.CancelAll())
	assert.Error(t, <-done)
}

func Test_Download_UnreadProgressChannelDoesNotHang(t *testing.T) {
	manager, dir := newManager(t, &staticTransport{[]byte("short clip")})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := manager.Download(ctx, "https://example.com/clip.mp3", download.Options{Progress: make(chan download.Progress)})
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("download did not return while its progress channel went unread")
	}
	assert.FileExists(t, filepath.Join(dir, "clip.mp3"))
}
