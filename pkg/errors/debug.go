package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Postgres SQLSTATE values the engine reacts to.
const (
	PGUniqueViolation     = "23505"
	PGSerializationFailed = "40001"
	PGDeadlockDetected    = "40P01"
	PGLockNotAvailable    = "55P03"
)

// pgDetail is the driver-neutral view of a Postgres error.
type pgDetail struct {
	Code       string
	Constraint string
	Table      string
	Column     string
	Detail     string
	Message    string
}

func postgresDetail(err error) (pgDetail, bool) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgDetail{
			Code:       pgxErr.Code,
			Constraint: pgxErr.ConstraintName,
			Table:      pgxErr.TableName,
			Column:     pgxErr.ColumnName,
			Detail:     pgxErr.Detail,
			Message:    pgxErr.Message,
		}, true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pgDetail{
			Code:       string(pqErr.Code),
			Constraint: pqErr.Constraint,
			Table:      pqErr.Table,
			Column:     pqErr.Column,
			Detail:     pqErr.Detail,
			Message:    pqErr.Message,
		}, true
	}
	return pgDetail{}, false
}

// PGCode returns the SQLSTATE of the first Postgres error in the chain.
func PGCode(err error) string {
	d, _ := postgresDetail(err)
	return d.Code
}

// IsTransient reports lock and serialization failures that are safe to retry.
func IsTransient(err error) bool {
	switch PGCode(err) {
	case PGSerializationFailed, PGDeadlockDetected, PGLockNotAvailable:
		return true
	}
	return false
}

// LogFields flattens err into structured log fields. Postgres fields are
// only present when a driver error is in the chain.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}

	chain := make([]string, 0, 4)
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %v", e, e))
	}
	fields := map[string]any{
		"error":       err.Error(),
		"error_chain": chain,
	}
	if te := As(err); te != nil {
		fields["error_code"] = te.Code()
		if dm, ok := te.Details().(map[string]any); ok {
			if step, ok := dm["step"]; ok {
				fields["step"] = step
			}
		}
	}

	if d, ok := postgresDetail(err); ok {
		fields["pg_code"] = d.Code
		fields["pg_constraint"] = d.Constraint
		fields["pg_table"] = d.Table
		fields["pg_column"] = d.Column
		fields["pg_detail"] = d.Detail
		fields["pg_message"] = d.Message
	}
	return fields
}
