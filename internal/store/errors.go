package store

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/logging"
)

var log = logging.Component("store")

// pgUniqueViolation is the SQLSTATE of a unique or primary key violation.
const pgUniqueViolation = "23505"

// classify maps a driver error onto the store error sentinels. Duplicate
// keys become ErrStoreConflict; everything else is ErrStoreConnectivity.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrStoreConflict) || errors.Is(err, errors.ErrStoreConnectivity) {
		return err
	}
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: %w", errors.ErrStoreConflict, err)
	}
	return fmt.Errorf("%w: %w", errors.ErrStoreConnectivity, err)
}

func isDuplicateKey(err error) bool {
	var de *duckdb.Error
	if errors.As(err, &de) && de.Type == duckdb.ErrorTypeConstraint {
		return true
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == pgUniqueViolation
	}

	msg := err.Error()
	return strings.Contains(msg, "Duplicate key") ||
		strings.Contains(msg, "duplicate key value")
}
