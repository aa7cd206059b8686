package transcription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/jmoiron/sqlx"
)

const table = "transcriptions"

type (
	// Store persists transcriptions. Claim is the only way a transcription
	// may enter the processing state, and must be a single conditional update
	// so that at most one attempt can hold the claim at a time.
	Store interface {
		FindByTarget(ctx context.Context, target Target) (*Transcription, error)
		Create(ctx context.Context, transcription *Transcription) (bool, error)
		Get(ctx context.Context, id uuid.UUID) (*Transcription, error)
		Claim(ctx context.Context, id uuid.UUID, force bool) (bool, error)
		Finish(ctx context.Context, id uuid.UUID, engine string, model string, result []Segment) (*Transcription, error)
		Release(ctx context.Context, id uuid.UUID) error
		ResetProcessing(ctx context.Context) (int64, error)
		MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error)
	}

	PostgresStore struct {
		db database.Manager
	}
)

func NewPostgresStore(db database.Manager) *PostgresStore {
	return &PostgresStore{db: db}
}

func (store *PostgresStore) FindByTarget(ctx context.Context, target Target) (*Transcription, error) {
	return findByTarget(ctx, store.db.GetSqlxDb(), target)
}

func findByTarget(ctx context.Context, db database.Queryable, target Target) (*Transcription, error) {
	var transcription Transcription
	err := db.GetContext(ctx, &transcription, `SELECT * FROM transcriptions WHERE target_id=$1 AND target_type=$2`, target.ID, string(target.Type))
	if err != nil {
		return nil, database.NotFoundOr(err, table, target.ID)
	}

	return &transcription, nil
}

// Create inserts the transcription if none exists for its target yet. The
// transcription provided is populated with the stored row in either case,
// and the boolean result reports whether a new row was inserted.
func (store *PostgresStore) Create(ctx context.Context, transcription *Transcription) (bool, error) {
	created := false
	err := store.db.WrapTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := sqlx.NamedQueryContext(ctx, tx, `
			INSERT INTO transcriptions(id, target_id, target_type, target_content_hash, state, created_at, updated_at)
			VALUES (:id, :target_id, :target_type, :target_content_hash, :state, now(), now())
			ON CONFLICT ON CONSTRAINT transcriptions_target_key DO NOTHING
			RETURNING *`, transcription)
		if err != nil {
			return err
		}

		if rows.Next() {
			created = true
			err = rows.StructScan(transcription)
			rows.Close()
			return err
		}
		rows.Close()

		existing, err := findByTarget(ctx, tx, transcription.Target())
		if err != nil {
			return err
		}

		*transcription = *existing
		return nil
	})

	return created, err
}

func (store *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Transcription, error) {
	var transcription Transcription
	if err := store.db.GetSqlxDb().GetContext(ctx, &transcription, `SELECT * FROM transcriptions WHERE id=$1`, id); err != nil {
		return nil, database.NotFoundOr(err, table, id)
	}

	return &transcription, nil
}

// Claim moves the transcription to processing if it is pending (or, when forced,
// if it is finished). The boolean result is false if the claim was not taken,
// which means another attempt holds it or the transcription is already finished.
func (store *PostgresStore) Claim(ctx context.Context, id uuid.UUID, force bool) (bool, error) {
	result, err := store.db.GetSqlxDb().ExecContext(ctx, `
		UPDATE transcriptions
		SET state='processing', updated_at=now()
		WHERE id=$1 AND (state='pending' OR ($2 AND state='finished'))`, id, force)
	if err != nil {
		return false, fmt.Errorf("failed to claim transcription %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected == 1, nil
}

func (store *PostgresStore) Finish(ctx context.Context, id uuid.UUID, engine string, model string, result []Segment) (*Transcription, error) {
	var transcription Transcription
	err := store.db.GetSqlxDb().GetContext(ctx, &transcription, `
		UPDATE transcriptions
		SET state='finished', engine=$2, model=$3, result=$4, updated_at=now()
		WHERE id=$1 AND state='processing'
		RETURNING *`, id, engine, model, database.NewJsonColumn(result))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClaimLost
		}

		return nil, fmt.Errorf("failed to store result of transcription %s: %w", id, err)
	}

	return &transcription, nil
}

func (store *PostgresStore) Release(ctx context.Context, id uuid.UUID) error {
	_, err := store.db.GetSqlxDb().ExecContext(ctx, `UPDATE transcriptions SET state='pending', updated_at=now() WHERE id=$1 AND state='processing'`, id)
	return err
}

// ResetProcessing returns every processing transcription to pending. This is
// only safe to call before any transcription attempts have been started.
func (store *PostgresStore) ResetProcessing(ctx context.Context) (int64, error) {
	result, err := store.db.GetSqlxDb().ExecContext(ctx, `UPDATE transcriptions SET state='pending', updated_at=now() WHERE state='processing'`)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (store *PostgresStore) MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	return database.MarkSynced(ctx, store.db.GetSqlxDb(), table, id, snapshot)
}
