package media

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/jmoiron/sqlx"
)

const recordingsTable = "recordings"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type (
	// Store is the persistence layer of the registry. All counter maintenance
	// must be performed atomically by the store (i.e. using in-place SQL
	// arithmetic inside the same transaction as the row mutation).
	Store interface {
		InsertAsset(ctx context.Context, asset *Asset) error
		GetAsset(ctx context.Context, kind Kind, id uuid.UUID) (*Asset, error)
		ListAssets(ctx context.Context, kind Kind, opts ListOptions) ([]*Asset, error)
		UpdateAsset(ctx context.Context, kind Kind, id uuid.UUID, update AssetUpdate) (*Asset, error)
		DeleteAsset(ctx context.Context, kind Kind, id uuid.UUID) (*Asset, error)
		MarkAssetUploaded(ctx context.Context, kind Kind, id uuid.UUID) error
		MarkAssetSynced(ctx context.Context, kind Kind, id uuid.UUID, snapshot time.Time) (bool, error)
		AllSources(ctx context.Context) ([]string, error)

		InsertRecording(ctx context.Context, recording *Recording) error
		GetRecording(ctx context.Context, id uuid.UUID) (*Recording, error)
		ListRecordings(ctx context.Context, target RecordingTarget) ([]*Recording, error)
		DeleteRecording(ctx context.Context, id uuid.UUID) (*Recording, error)
		MarkRecordingUploaded(ctx context.Context, id uuid.UUID) error
		MarkRecordingSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error)
		RecordingFileInUse(ctx context.Context, filename string) (bool, error)
	}

	PostgresStore struct {
		db database.Manager
	}
)

func NewPostgresStore(db database.Manager) *PostgresStore {
	return &PostgresStore{db: db}
}

func (store *PostgresStore) InsertAsset(ctx context.Context, asset *Asset) error {
	query := fmt.Sprintf(`
		INSERT INTO %s(id, content_hash, source, name, description, cover_url, extension, metadata, created_at, updated_at)
		VALUES (:id, :content_hash, :source, :name, :description, :cover_url, :extension, :metadata, now(), now())
		RETURNING *`, asset.Kind.table())

	rows, err := sqlx.NamedQueryContext(ctx, store.db.GetSqlxDb(), query, asset)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		return fmt.Errorf("insert of %s %s returned no rows", asset.Kind, asset.ID)
	}

	kind := asset.Kind
	if err := rows.StructScan(asset); err != nil {
		return err
	}
	asset.Kind = kind

	return rows.Err()
}

func (store *PostgresStore) GetAsset(ctx context.Context, kind Kind, id uuid.UUID) (*Asset, error) {
	return getAsset(ctx, store.db.GetSqlxDb(), kind, id)
}

func getAsset(ctx context.Context, db database.Queryable, kind Kind, id uuid.UUID) (*Asset, error) {
	query, args, err := psql.Select("*").From(kind.table()).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select asset query: %w", err)
	}

	asset := &Asset{Kind: kind}
	if err := db.GetContext(ctx, asset, query, args...); err != nil {
		return nil, database.NotFoundOr(err, kind.table(), id)
	}

	return asset, nil
}

func (store *PostgresStore) ListAssets(ctx context.Context, kind Kind, opts ListOptions) ([]*Asset, error) {
	builder := psql.Select("*").From(kind.table()).OrderBy("created_at DESC", "id")
	if opts.Limit > 0 {
		builder = builder.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		builder = builder.Offset(opts.Offset)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list assets query: %w", err)
	}

	var results []*Asset
	if err := store.db.GetSqlxDb().SelectContext(ctx, &results, query, args...); err != nil {
		return nil, err
	}

	for _, asset := range results {
		asset.Kind = kind
	}

	return results, nil
}

func (store *PostgresStore) UpdateAsset(ctx context.Context, kind Kind, id uuid.UUID, update AssetUpdate) (*Asset, error) {
	builder := psql.Update(kind.table()).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING *")

	if update.Name != nil {
		builder = builder.Set("name", *update.Name)
	}
	if update.Description != nil {
		builder = builder.Set("description", *update.Description)
	}
	if update.CoverURL != nil {
		builder = builder.Set("cover_url", *update.CoverURL)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct update asset query: %w", err)
	}

	asset := &Asset{Kind: kind}
	if err := store.db.GetSqlxDb().GetContext(ctx, asset, query, args...); err != nil {
		return nil, database.NotFoundOr(err, kind.table(), id)
	}

	return asset, nil
}

// DeleteAsset removes the asset row, returning the deleted asset. The
// transcription of the asset is kept: it is keyed by the deterministic asset
// ID, so a later import of the same content finds it and refreshes it.
func (store *PostgresStore) DeleteAsset(ctx context.Context, kind Kind, id uuid.UUID) (*Asset, error) {
	asset := &Asset{Kind: kind}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id=$1 RETURNING *`, kind.table())
	if err := store.db.GetSqlxDb().GetContext(ctx, asset, query, id); err != nil {
		return nil, database.NotFoundOr(err, kind.table(), id)
	}

	return asset, nil
}

// MarkAssetUploaded records the upload time of the asset. This does not
// modify the updated_at of the row, as an upload is not a mutation of the
// asset itself.
func (store *PostgresStore) MarkAssetUploaded(ctx context.Context, kind Kind, id uuid.UUID) error {
	result, err := store.db.GetSqlxDb().ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET uploaded_at=now() WHERE id=$1`, kind.table()), id)
	if err != nil {
		return err
	}

	return database.RequireAffected(result, kind.table(), id)
}

func (store *PostgresStore) MarkAssetSynced(ctx context.Context, kind Kind, id uuid.UUID, snapshot time.Time) (bool, error) {
	return database.MarkSynced(ctx, store.db.GetSqlxDb(), kind.table(), id, snapshot)
}

func (store *PostgresStore) AllSources(ctx context.Context) ([]string, error) {
	var sources []string
	err := store.db.GetSqlxDb().SelectContext(ctx, &sources, `
		SELECT source FROM audios WHERE source <> ''
		UNION
		SELECT source FROM videos WHERE source <> ''`)
	if err != nil {
		return nil, err
	}

	return sources, nil
}

// InsertRecording inserts the recording and, if the recording targets an asset,
// increments the counters of that asset in the same transaction.
func (store *PostgresStore) InsertRecording(ctx context.Context, recording *Recording) error {
	return store.db.WrapTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := sqlx.NamedQueryContext(ctx, tx, `
			INSERT INTO recordings(id, target_id, target_type, content_hash, filename, duration, reference_id, reference_text, created_at, updated_at)
			VALUES (:id, :target_id, :target_type, :content_hash, :filename, :duration, :reference_id, :reference_text, now(), now())
			RETURNING *`, recording)
		if err != nil {
			return err
		}

		if !rows.Next() {
			rows.Close()
			return fmt.Errorf("insert of recording %s returned no rows", recording.ID)
		}
		if err := rows.StructScan(recording); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		return adjustCounters(ctx, tx, recording, 1)
	})
}

func (store *PostgresStore) GetRecording(ctx context.Context, id uuid.UUID) (*Recording, error) {
	var recording Recording
	if err := store.db.GetSqlxDb().GetContext(ctx, &recording, `SELECT * FROM recordings WHERE id=$1`, id); err != nil {
		return nil, database.NotFoundOr(err, recordingsTable, id)
	}

	return &recording, nil
}

func (store *PostgresStore) ListRecordings(ctx context.Context, target RecordingTarget) ([]*Recording, error) {
	query, args, err := psql.Select("*").
		From(recordingsTable).
		Where(squirrel.Eq{"target_id": target.ID, "target_type": string(target.Type)}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list recordings query: %w", err)
	}

	var results []*Recording
	if err := store.db.GetSqlxDb().SelectContext(ctx, &results, query, args...); err != nil {
		return nil, err
	}

	return results, nil
}

// DeleteRecording deletes the recording and decrements the counters of the asset
// it targets (if any) in the same transaction, returning the deleted recording.
func (store *PostgresStore) DeleteRecording(ctx context.Context, id uuid.UUID) (*Recording, error) {
	var recording Recording
	err := store.db.WrapTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &recording, `DELETE FROM recordings WHERE id=$1 RETURNING *`, id); err != nil {
			return database.NotFoundOr(err, recordingsTable, id)
		}

		return adjustCounters(ctx, tx, &recording, -1)
	})
	if err != nil {
		return nil, err
	}

	return &recording, nil
}

func (store *PostgresStore) MarkRecordingUploaded(ctx context.Context, id uuid.UUID) error {
	result, err := store.db.GetSqlxDb().ExecContext(ctx, `UPDATE recordings SET uploaded_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}

	return database.RequireAffected(result, recordingsTable, id)
}

func (store *PostgresStore) MarkRecordingSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	return database.MarkSynced(ctx, store.db.GetSqlxDb(), recordingsTable, id, snapshot)
}

// RecordingFileInUse reports whether any recording row references the
// library file with the given filename.
func (store *PostgresStore) RecordingFileInUse(ctx context.Context, filename string) (bool, error) {
	var inUse bool
	if err := store.db.GetSqlxDb().GetContext(ctx, &inUse, `SELECT EXISTS(SELECT 1 FROM recordings WHERE filename=$1)`, filename); err != nil {
		return false, err
	}

	return inUse, nil
}

// adjustCounters applies the given sign to the target assets recording
// counters using in-place arithmetic, so concurrent adjustments never lose updates.
func adjustCounters(ctx context.Context, db database.Queryable, recording *Recording, sign int64) error {
	kind, ok := recording.TargetType.AssetKind()
	if !ok {
		return nil
	}

	result, err := db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET recordings_count = recordings_count + $2,
			recordings_duration = recordings_duration + $3,
			updated_at = now()
		WHERE id = $1`, kind.table()), recording.TargetID, sign, sign*recording.Duration)
	if err != nil {
		return fmt.Errorf("failed to adjust recording counters of %s %s: %w", kind, recording.TargetID, err)
	}

	return database.RequireAffected(result, kind.table(), recording.TargetID)
}
