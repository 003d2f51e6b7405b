package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/aryanduntley/aipm/internal/fault"
)

// wrapDBError wraps a database error with operation context and maps it to
// a stable fault kind:
//
//	sql.ErrNoRows            -> NotFound
//	SQLITE_BUSY / _LOCKED    -> ConflictError (retried by Apply)
//	SQLITE_CONSTRAINT        -> ValidationError (CHECK) or IntegrityError (FK/unique)
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Wrap(fault.NotFound, err, "%s", op)
	}

	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.BUSY, sqlite3.LOCKED:
			return fault.Wrap(fault.ConflictError, err, "%s", op)
		case sqlite3.CONSTRAINT:
			if strings.Contains(err.Error(), "CHECK") {
				return fault.Wrap(fault.ValidationError, err, "%s", op)
			}
			return fault.Wrap(fault.IntegrityError, err, "%s", op)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapDBErrorf is wrapDBError with a formatted operation description.
func wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}
