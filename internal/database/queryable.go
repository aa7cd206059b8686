package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type (
	// Queryable is the common subset of *sqlx.DB and *sqlx.Tx used by the stores,
	// allowing a store method to participate in a transaction when the caller
	// has one open, or to run directly against the DB otherwise.
	Queryable interface {
		sqlx.ExtContext
		GetContext(ctx context.Context, dest any, query string, args ...any) error
		SelectContext(ctx context.Context, dest any, query string, args ...any) error
		NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	}

	// JsonColumn is a generic container for JSON(B) columns, marshalling
	// the inner value on write and unmarshalling it on scan.
	JsonColumn[T any] struct {
		val T
	}
)

func NewJsonColumn[T any](val T) JsonColumn[T] {
	return JsonColumn[T]{val: val}
}

func (j *JsonColumn[T]) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan type %T in to JsonColumn", src)
	}

	if len(data) == 0 {
		return nil
	}

	return json.Unmarshal(data, &j.val)
}

// Value encodes the inner value as a JSON string. A string (rather than []byte)
// is used so that lib/pq does not send the value as bytea.
func (j JsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.val)
	if err != nil {
		return nil, err
	}

	return string(b), nil
}

func (j *JsonColumn[T]) Get() *T {
	return &j.val
}

func (j JsonColumn[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.val)
}

func (j *JsonColumn[T]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &j.val)
}

// InExec is a convenience method which combines sqlx's `In` method
// and the `Exec` of the output query. Rebinding of the
// query is handled automatically, and errors resulting from
// either step will be returned.
func InExec(ctx context.Context, db Queryable, query string, arg any) error {
	q, a, err := sqlx.In(query, arg)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, db.Rebind(q), a...)
	return err
}

// RequireAffected returns a NotFoundError for the table and ID given if
// the result provided affected no rows.
func RequireAffected(result sql.Result, table string, id any) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return &NotFoundError{Table: table, ID: id}
	}

	return nil
}

// NotFoundOr converts sql.ErrNoRows in to a NotFoundError for the table and
// ID given. Other errors are returned wrapped, and a nil error remains nil.
func NotFoundOr(err error, table string, id any) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Table: table, ID: id}
	}

	return fmt.Errorf("failed to query %s %v: %w", table, id, err)
}

// MarkSynced sets the synced_at of the row in table to now, but only if the
// row has not been modified since the snapshot (its updated_at) which was
// synced. The boolean result is false if the row was modified in the interim.
func MarkSynced(ctx context.Context, db Queryable, table string, id any, snapshot time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET synced_at=now() WHERE id=$1 AND updated_at=$2`, table), id, snapshot)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected == 1, nil
}
