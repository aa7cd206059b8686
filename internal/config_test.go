package internal_test

import (
	"path/filepath"
	"testing"

	"github.com/hbomb79/Mimic/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DB_USERNAME", "mimic")
	t.Setenv("DB_PASSWORD", "mimic")
	t.Setenv("LIBRARY_OWNER_ID", "owner")
}

func Test_LoadConfig_FromEnvironment(t *testing.T) {
	setRequiredEnv(t)

	config, err := internal.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Http.Port)
	assert.Equal(t, 4, config.Workers.Size)
	assert.Equal(t, 120, config.Transcription.MaxSegmentLength)
}

func Test_LoadConfig_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "port out of range", key: "HTTP_PORT", value: "70000"},
		{name: "empty worker pool", key: "WORKERS_SIZE", value: "0"},
		{name: "negative segment length", key: "TRANSCRIPTION_MAX_SEGMENT_LENGTH", value: "-1"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(test.key, test.value)

			_, err := internal.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}
