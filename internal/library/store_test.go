package library_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hbomb79/Mimic/internal/library"
	"github.com/labstack/gommon/random"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func md5Hex(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func newStore(t *testing.T) *library.Store {
	root := fs.NewDir(t, "library")
	store, err := library.New(root.Path())
	assert.NilError(t, err)

	return store
}

func Test_Place_IsDeterministicAndIdempotent(t *testing.T) {
	content := strings.Repeat(random.String(128), 2)
	src := fs.NewDir(t, "source", fs.WithFile("talk.MP3", content))
	store := newStore(t)

	first, err := store.Place(context.Background(), src.Join("talk.MP3"), library.Audios)
	assert.NilError(t, err)
	assert.Equal(t, first.Hash, md5Hex(content))
	assert.Equal(t, first.Path, filepath.Join(store.Root(), "audios", md5Hex(content)+".mp3"))
	assert.Assert(t, first.Created)

	second, err := store.Place(context.Background(), src.Join("talk.MP3"), library.Audios)
	assert.NilError(t, err)
	assert.Equal(t, second.Hash, first.Hash)
	assert.Equal(t, second.Path, first.Path)
	assert.Assert(t, !second.Created, "second placement should not rewrite the destination")

	written, err := os.ReadFile(first.Path)
	assert.NilError(t, err)
	assert.Equal(t, string(written), content)
}

func Test_Place_ConcurrentIdenticalPlacements(t *testing.T) {
	content := strings.Repeat(random.String(128), 32)
	src := fs.NewDir(t, "source", fs.WithFile("clip.wav", content))
	store := newStore(t)

	const n = 8
	wg := sync.WaitGroup{}
	placements := make([]*library.Placement, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			placements[i], errs[i] = store.Place(context.Background(), src.Join("clip.wav"), library.Recordings)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		assert.NilError(t, errs[i])
		assert.Equal(t, placements[i].Path, placements[0].Path)
		if placements[i].Created {
			created++
		}
	}
	assert.Equal(t, created, 1, "exactly one caller should own the write")

	entries, err := os.ReadDir(filepath.Join(store.Root(), "recordings"))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 1), "only the final file should remain, no temp files")
}

func Test_Place_UnreadableSource(t *testing.T) {
	store := newStore(t)

	_, err := store.Place(context.Background(), filepath.Join(t.TempDir(), "missing.mp3"), library.Audios)

	var ingestErr *library.IngestionError
	assert.Assert(t, errors.As(err, &ingestErr))
	assert.Equal(t, ingestErr.Reason, library.UnreadableSource)
	assert.Assert(t, errors.Is(err, os.ErrNotExist))
}

func Test_Place_CancelledContext(t *testing.T) {
	src := fs.NewDir(t, "source", fs.WithFile("talk.mp3", random.String(128)))
	store := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Place(ctx, src.Join("talk.mp3"), library.Audios)
	assert.ErrorIs(t, err, context.Canceled)

	entries, _ := os.ReadDir(filepath.Join(store.Root(), "audios"))
	assert.Assert(t, is.Len(entries, 0))
}

func Test_Remove_MissingFileIsNotAnError(t *testing.T) {
	store := newStore(t)
	assert.NilError(t, store.Remove(filepath.Join(store.Root(), "audios", "nope.mp3")))
}
