package helpers

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TempDirWithFiles creates a temporary directory for the test containing an
// empty file for each of the suffixes provided. The paths of the created files
// are returned in the same order.
func TempDirWithFiles(t *testing.T, files []string) (string, []string) {
	dirPath := t.TempDir()
	filePaths := make([]string, 0, len(files))
	for _, filename := range files {
		file, err := os.CreateTemp(dirPath, "*"+filename)
		assert.Nil(t, err, "failed to create temporary file in temporary dir")
		filePaths = append(filePaths, file.Name())
		_ = file.Close()
	}

	assert.Len(t, filePaths, len(files), "Expected file paths recorded to match length of requested files")
	return dirPath, filePaths
}

// Age sets the modification time of the file at the path given to be
// the duration provided in the past.
func Age(t *testing.T, path string, age time.Duration) {
	modtime := time.Now().Add(-age)
	if err := os.Chtimes(path, modtime, modtime); err != nil {
		t.Fatalf("failed to age file %s: %s", path, err)
	}
}
