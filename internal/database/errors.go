package database

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
)

// NotFoundError is returned by stores when the requested row does not exist.
type NotFoundError struct {
	Table string
	ID    any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id %v not found", e.Table, e.ID)
}

// IsNotFound reports whether any error in err's chain is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUniqueViolation reports whether the error is a postgres unique constraint
// violation, optionally restricted to a specific constraint name.
func IsUniqueViolation(err error, constraint ...string) bool {
	return isPqCode(err, uniqueViolationCode, constraint...)
}

// IsForeignKeyViolation reports whether the error is a postgres foreign key
// constraint violation.
func IsForeignKeyViolation(err error) bool {
	return isPqCode(err, foreignKeyViolationCode)
}

func isPqCode(err error, code pq.ErrorCode, constraint ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != code {
		return false
	}

	if len(constraint) == 0 {
		return true
	}

	for _, c := range constraint {
		if pqErr.Constraint == c {
			return true
		}
	}

	return false
}
