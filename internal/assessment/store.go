package assessment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/jmoiron/sqlx"
)

const table = "pronunciation_assessments"

type (
	Store interface {
		FindByRecording(ctx context.Context, recordingID uuid.UUID) (*Assessment, error)
		Get(ctx context.Context, id uuid.UUID) (*Assessment, error)
		Replace(ctx context.Context, assessment *Assessment) error
		MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error)
	}

	PostgresStore struct {
		db database.Manager
	}
)

func NewPostgresStore(db database.Manager) *PostgresStore {
	return &PostgresStore{db: db}
}

func (store *PostgresStore) FindByRecording(ctx context.Context, recordingID uuid.UUID) (*Assessment, error) {
	var assessment Assessment
	if err := store.db.GetSqlxDb().GetContext(ctx, &assessment, `SELECT * FROM pronunciation_assessments WHERE recording_id=$1`, recordingID); err != nil {
		return nil, database.NotFoundOr(err, table, recordingID)
	}

	return &assessment, nil
}

func (store *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	var assessment Assessment
	if err := store.db.GetSqlxDb().GetContext(ctx, &assessment, `SELECT * FROM pronunciation_assessments WHERE id=$1`, id); err != nil {
		return nil, database.NotFoundOr(err, table, id)
	}

	return &assessment, nil
}

// Replace stores the assessment as the only assessment of its recording. Any
// existing assessment of the recording is overwritten in place, keeping its ID,
// and the assessment provided is populated with the stored row.
func (store *PostgresStore) Replace(ctx context.Context, assessment *Assessment) error {
	rows, err := sqlx.NamedQueryContext(ctx, store.db.GetSqlxDb(), `
		INSERT INTO pronunciation_assessments(
			id, recording_id, reference_text, language,
			accuracy_score, fluency_score, completeness_score, pronunciation_score,
			prosody_score, grammar_score, vocabulary_score, topic_score,
			result, created_at, updated_at)
		VALUES (
			:id, :recording_id, :reference_text, :language,
			:accuracy_score, :fluency_score, :completeness_score, :pronunciation_score,
			:prosody_score, :grammar_score, :vocabulary_score, :topic_score,
			:result, now(), now())
		ON CONFLICT ON CONSTRAINT pronunciation_assessments_recording_key DO UPDATE SET
			reference_text=EXCLUDED.reference_text,
			language=EXCLUDED.language,
			accuracy_score=EXCLUDED.accuracy_score,
			fluency_score=EXCLUDED.fluency_score,
			completeness_score=EXCLUDED.completeness_score,
			pronunciation_score=EXCLUDED.pronunciation_score,
			prosody_score=EXCLUDED.prosody_score,
			grammar_score=EXCLUDED.grammar_score,
			vocabulary_score=EXCLUDED.vocabulary_score,
			topic_score=EXCLUDED.topic_score,
			result=EXCLUDED.result,
			synced_at=NULL,
			updated_at=now()
		RETURNING *`, assessment)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		return rows.Err()
	}

	return rows.StructScan(assessment)
}

func (store *PostgresStore) MarkSynced(ctx context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	return database.MarkSynced(ctx, store.db.GetSqlxDb(), table, id, snapshot)
}
