package database

import (
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"callaudit-server/pkg/errors"
)

const mysqlDuplicateEntry = 1062

// isDuplicate reports a unique or primary key violation in either dialect.
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr *sqlite.Error
	if stderrors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storageError classifies a driver error so the orchestrator can retry it.
func storageError(err error, message string, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(errors.ErrNotFound, message, fields)
	}
	return errors.Wrap(errors.ErrStorageFailure, message+": "+err.Error(), fields)
}
