package sink

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/datalab/medsync/pkg/faults"
)

// classify maps a sink driver error onto the pipeline taxonomy. Constraint
// violations are row-local data errors; deadlocks, serialization failures
// and connection drops are worth a retry; authorization and schema problems
// are not.
func classify(err error) faults.Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint
			return faults.Data
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return faults.Transient
		case strings.HasPrefix(pgErr.Code, "08"): // connection
			return faults.Transient
		case pgErr.Code == "57014" || pgErr.Code == "55P03": // cancelled, lock not available
			return faults.Transient
		case strings.HasPrefix(pgErr.Code, "28"): // authorization
			return faults.Persistent
		case strings.HasPrefix(pgErr.Code, "42"): // schema mismatch
			return faults.Persistent
		case pgErr.Code == "53300": // too many connections
			return faults.Transient
		}
	}
	return faults.KindOf(err)
}

// sqlState extracts the five-character SQLSTATE for dead-letter records
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
