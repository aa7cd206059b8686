package assessment_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/assessment"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/tests/helpers"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PostgresStore_ReplaceKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	db := helpers.ProvisionDatabase(t)
	recordings := media.NewPostgresStore(db)
	store := assessment.NewPostgresStore(db)

	recording := &media.Recording{
		ID:          uuid.New(),
		TargetID:    uuid.New(),
		TargetType:  media.RecordingOnMessage,
		ContentHash: random.String(32, random.Hex),
		Filename:    "take.wav",
	}
	require.NoError(t, recordings.InsertRecording(ctx, recording))

	_, err := store.FindByRecording(ctx, recording.ID)
	assert.True(t, database.IsNotFound(err))

	prosody := 77.5
	first := &assessment.Assessment{
		ID:                 uuid.New(),
		RecordingID:        recording.ID,
		ReferenceText:      "hello world",
		Language:           "en-US",
		AccuracyScore:      90,
		FluencyScore:       80,
		CompletenessScore:  100,
		PronunciationScore: 88,
		ProsodyScore:       &prosody,
		Result:             database.NewJsonColumn(assessment.Detail{Words: []assessment.WordResult{{Word: "hello", AccuracyScore: 95, ErrorType: "None"}}}),
	}
	require.NoError(t, store.Replace(ctx, first))
	require.NotNil(t, first.ProsodyScore)
	assert.Equal(t, prosody, *first.ProsodyScore)

	marked, err := store.MarkSynced(ctx, first.ID, first.UpdatedAt)
	require.NoError(t, err)
	require.True(t, marked)

	second := &assessment.Assessment{
		ID:                 uuid.New(),
		RecordingID:        recording.ID,
		ReferenceText:      "hello there world",
		Language:           "en-US",
		AccuracyScore:      70,
		FluencyScore:       60,
		CompletenessScore:  90,
		PronunciationScore: 68,
	}
	require.NoError(t, store.Replace(ctx, second))
	assert.Equal(t, first.ID, second.ID, "replacement should keep the identity of the existing assessment")
	assert.Nil(t, second.SyncedAt, "replacement should invalidate the previous sync")
	assert.Nil(t, second.ProsodyScore)

	found, err := store.FindByRecording(ctx, recording.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello there world", found.ReferenceText)
	assert.Equal(t, 70.0, found.AccuracyScore)
	assert.Empty(t, found.Words())

	_, err = recordings.DeleteRecording(ctx, recording.ID)
	require.NoError(t, err)
	_, err = store.Get(ctx, first.ID)
	assert.True(t, database.IsNotFound(err), "assessment should be removed with its recording")
}
