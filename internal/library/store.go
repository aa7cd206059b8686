// Package library implements the content-addressed file store backing
// Mimic's media library. Every file is placed at a path derived solely from
// the MD5 of its bytes, which makes placement deterministic and idempotent.
package library

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hbomb79/Mimic/pkg/logger"
	"golang.org/x/sync/singleflight"
)

var log = logger.Get("Library")

type Kind string

const (
	Audios     Kind = "audios"
	Videos     Kind = "videos"
	Recordings Kind = "recordings"

	stagingDir = "downloads"
)

func (k Kind) valid() bool {
	return k == Audios || k == Videos || k == Recordings
}

type (
	Config struct {
		Root string `yaml:"root" env:"LIBRARY_ROOT" env-default:"~/.mimic/library"`
	}

	// Placement describes the result of placing a file in to the store.
	// Created is true only for the single caller which wrote the bytes; it is
	// false when the destination already held the content or when the write
	// was performed on behalf of a concurrent caller.
	Placement struct {
		Hash    string
		Path    string
		Size    int64
		Created bool
	}

	Store struct {
		root  string
		group singleflight.Group
	}
)

// New creates a Store rooted at the directory provided, creating the
// root and the staging directory if they do not exist.
func New(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, stagingDir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create library directory %s: %w", dir, err)
		}
	}

	return &Store{root: root}, nil
}

func (store *Store) Root() string { return store.root }

// StagingDir is the directory remote downloads are written to before
// being placed in to the store.
func (store *Store) StagingDir() string { return filepath.Join(store.root, stagingDir) }

// Path returns the path a file of the given kind, hash and extension
// occupies (or would occupy) inside the store.
func (store *Store) Path(kind Kind, hash string, ext string) string {
	return filepath.Join(store.root, string(kind), hash+strings.ToLower(ext))
}

// Place hashes the file at localPath and copies it in to the store
// under `<root>/<kind>/<hash><ext>`. The copy is written to a temporary file,
// synced and then atomically renamed, so a reader of the final path never
// observes a partial file. Concurrent placements of the same content are
// collapsed in to a single write, and a destination which already holds
// content of the expected size short-circuits the copy entirely.
func (store *Store) Place(ctx context.Context, localPath string, kind Kind) (*Placement, error) {
	if !kind.valid() {
		return nil, &IngestionError{Reason: InvalidDestination, Path: localPath, Err: fmt.Errorf("unknown kind %q", kind)}
	}

	hash, size, err := hashFile(ctx, localPath)
	if err != nil {
		return nil, &IngestionError{Reason: UnreadableSource, Path: localPath, Err: err}
	}

	// Only the caller whose function runs inside the group may claim the
	// write; callers sharing its result observed existing content.
	dest := store.Path(kind, hash, filepath.Ext(localPath))
	leader := false
	v, err, _ := store.group.Do(dest, func() (any, error) {
		leader = true
		if info, err := os.Stat(dest); err == nil && info.Size() == size {
			log.Debugf("Content %s already present at %s\n", hash, dest)
			return false, nil
		}

		if err := store.copyInto(ctx, localPath, dest, size); err != nil {
			return false, err
		}

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	log.Emit(logger.SUCCESS, "Placed %s at %s\n", localPath, dest)
	return &Placement{Hash: hash, Path: dest, Size: size, Created: leader && v.(bool)}, nil
}

// Remove deletes the file at the given path. A file which does not exist
// is not considered an error.
func (store *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// copyInto performs the temp-file, fsync, rename sequence and then verifies
// the final file. On any failure both the temporary and final files are removed.
func (store *Store) copyInto(ctx context.Context, src string, dest string, expectedSize int64) error {
	fail := func(reason IngestionReason, err error, paths ...string) error {
		for _, p := range paths {
			_ = os.Remove(p)
		}
		return &IngestionError{Reason: reason, Path: src, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fail(WriteFailed, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fail(UnreadableSource, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fail(WriteFailed, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: in}); err != nil {
		tmp.Close()
		return fail(WriteFailed, err, tmpPath)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fail(WriteFailed, err, tmpPath)
	}

	if err := tmp.Close(); err != nil {
		return fail(WriteFailed, err, tmpPath)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fail(WriteFailed, err, tmpPath)
	}

	if err := verify(dest, expectedSize); err != nil {
		return fail(VerifyFailed, err, dest)
	}

	return nil
}

func verify(path string, expectedSize int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if info.Size() != expectedSize {
		return fmt.Errorf("expected %d bytes, found %d", expectedSize, info.Size())
	}

	return nil
}

// hashFile streams the file through MD5, returning the hex digest
// and the number of bytes read.
func hashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := md5.New()
	size, err := io.Copy(hasher, &contextReader{ctx: ctx, r: f})
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// HashFile returns the hex MD5 digest of the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	hash, _, err := hashFile(ctx, path)
	return hash, err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}

	return cr.r.Read(p)
}
