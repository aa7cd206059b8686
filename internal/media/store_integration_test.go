package media_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/tests/helpers"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertAudio(t *testing.T, store *media.PostgresStore) *media.Asset {
	hash := random.String(32, random.Hex)
	asset := &media.Asset{
		ID:          media.AssetID("owner", hash),
		Kind:        media.Audio,
		ContentHash: hash,
		Source:      "/import/" + hash + ".mp3",
		Name:        "clip",
		Extension:   ".mp3",
		Metadata:    database.NewJsonColumn(map[string]any{"format": "mp3"}),
	}
	require.NoError(t, store.InsertAsset(context.Background(), asset))

	return asset
}

func Test_PostgresStore_AssetLifecycle(t *testing.T) {
	ctx := context.Background()
	store := media.NewPostgresStore(helpers.ProvisionDatabase(t))

	asset := insertAudio(t, store)
	assert.False(t, asset.CreatedAt.IsZero())

	fetched, err := store.GetAsset(ctx, media.Audio, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.ContentHash, fetched.ContentHash)
	assert.Equal(t, media.Audio, fetched.Kind)

	_, err = store.GetAsset(ctx, media.Video, asset.ID)
	assert.True(t, database.IsNotFound(err))

	duplicate := *asset
	err = store.InsertAsset(ctx, &duplicate)
	assert.True(t, database.IsUniqueViolation(err))

	sources, err := store.AllSources(ctx)
	require.NoError(t, err)
	assert.Contains(t, sources, asset.Source)

	name := "renamed"
	updated, err := store.UpdateAsset(ctx, media.Audio, asset.ID, media.AssetUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.UpdatedAt.After(asset.UpdatedAt))

	deleted, err := store.DeleteAsset(ctx, media.Audio, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.ID, deleted.ID)
	_, err = store.DeleteAsset(ctx, media.Audio, asset.ID)
	assert.True(t, database.IsNotFound(err))
}

func Test_PostgresStore_SyncedSnapshotGuard(t *testing.T) {
	ctx := context.Background()
	store := media.NewPostgresStore(helpers.ProvisionDatabase(t))
	asset := insertAudio(t, store)

	name := "changed during sync"
	_, err := store.UpdateAsset(ctx, media.Audio, asset.ID, media.AssetUpdate{Name: &name})
	require.NoError(t, err)

	marked, err := store.MarkAssetSynced(ctx, media.Audio, asset.ID, asset.UpdatedAt)
	require.NoError(t, err)
	assert.False(t, marked, "stale snapshot must not mark the asset as synced")

	current, err := store.GetAsset(ctx, media.Audio, asset.ID)
	require.NoError(t, err)
	marked, err = store.MarkAssetSynced(ctx, media.Audio, asset.ID, current.UpdatedAt)
	require.NoError(t, err)
	assert.True(t, marked)

	require.NoError(t, store.MarkAssetUploaded(ctx, media.Audio, asset.ID))
	current, err = store.GetAsset(ctx, media.Audio, asset.ID)
	require.NoError(t, err)
	assert.True(t, current.IsSynced(), "marking uploaded must not invalidate the sync")
	assert.True(t, current.IsUploaded())
}

func Test_PostgresStore_ConcurrentRecordingCounters(t *testing.T) {
	ctx := context.Background()
	store := media.NewPostgresStore(helpers.ProvisionDatabase(t))
	asset := insertAudio(t, store)

	const n = 10
	ids := make([]uuid.UUID, n)
	wg := sync.WaitGroup{}
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recording := &media.Recording{
				ID:          uuid.New(),
				TargetID:    asset.ID,
				TargetType:  media.RecordingOnAudio,
				ContentHash: random.String(32, random.Hex),
				Filename:    "take.wav",
				Duration:    1500,
			}
			assert.NoError(t, store.InsertRecording(ctx, recording))
			ids[i] = recording.ID
		}(i)
	}
	wg.Wait()

	current, err := store.GetAsset(ctx, media.Audio, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, n, current.RecordingsCount)
	assert.Equal(t, int64(n*1500), current.RecordingsDuration)

	recordings, err := store.ListRecordings(ctx, media.RecordingTarget{ID: asset.ID, Type: media.RecordingOnAudio})
	require.NoError(t, err)
	assert.Len(t, recordings, n)

	_, err = store.DeleteRecording(ctx, ids[0])
	require.NoError(t, err)
	current, err = store.GetAsset(ctx, media.Audio, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, n-1, current.RecordingsCount)
	assert.Equal(t, int64((n-1)*1500), current.RecordingsDuration)
}

func Test_PostgresStore_RecordingForMissingAssetRollsBack(t *testing.T) {
	ctx := context.Background()
	store := media.NewPostgresStore(helpers.ProvisionDatabase(t))

	recording := &media.Recording{
		ID:          uuid.New(),
		TargetID:    uuid.New(),
		TargetType:  media.RecordingOnVideo,
		ContentHash: random.String(32, random.Hex),
		Filename:    "take.wav",
		Duration:    time.Second.Milliseconds(),
	}
	err := store.InsertRecording(ctx, recording)
	assert.True(t, database.IsNotFound(err))

	_, err = store.GetRecording(ctx, recording.ID)
	assert.True(t, database.IsNotFound(err), "recording insert must roll back with the counter update")
}

func Test_PostgresStore_DeleteAssetKeepsTranscription(t *testing.T) {
	ctx := context.Background()
	db := helpers.ProvisionDatabase(t)
	store := media.NewPostgresStore(db)
	asset := insertAudio(t, store)

	_, err := db.GetSqlxDb().ExecContext(ctx, `
		INSERT INTO transcriptions(id, target_id, target_type, target_content_hash, state)
		VALUES ($1, $2, $3, $4, 'finished')`, uuid.New(), asset.ID, string(media.Audio), asset.ContentHash)
	require.NoError(t, err)

	_, err = store.DeleteAsset(ctx, media.Audio, asset.ID)
	require.NoError(t, err)

	var remaining int
	require.NoError(t, db.GetSqlxDb().GetContext(ctx, &remaining, `SELECT count(*) FROM transcriptions WHERE target_id=$1`, asset.ID))
	assert.Equal(t, 1, remaining, "transcription should outlive its asset")

	reinserted := *asset
	require.NoError(t, store.InsertAsset(ctx, &reinserted))
	assert.Equal(t, asset.ID, reinserted.ID, "re-import of the same content maps to the same transcription target")
}

func Test_PostgresStore_RecordingFileInUse(t *testing.T) {
	ctx := context.Background()
	store := media.NewPostgresStore(helpers.ProvisionDatabase(t))
	asset := insertAudio(t, store)

	hash := random.String(32, random.Hex)
	newRecording := func() *media.Recording {
		recording := &media.Recording{
			ID:          uuid.New(),
			TargetID:    asset.ID,
			TargetType:  media.RecordingOnAudio,
			ContentHash: hash,
			Filename:    hash + ".wav",
			Duration:    1500,
		}
		require.NoError(t, store.InsertRecording(ctx, recording))
		return recording
	}
	first, second := newRecording(), newRecording()

	_, err := store.DeleteRecording(ctx, first.ID)
	require.NoError(t, err)
	inUse, err := store.RecordingFileInUse(ctx, hash+".wav")
	require.NoError(t, err)
	assert.True(t, inUse)

	_, err = store.DeleteRecording(ctx, second.ID)
	require.NoError(t, err)
	inUse, err = store.RecordingFileInUse(ctx, hash+".wav")
	require.NoError(t, err)
	assert.False(t, inUse)
}
