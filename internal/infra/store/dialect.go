package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// dialect captures everything that differs between the two backends.
type dialect struct {
	name        string
	driver      string
	placeholder sq.PlaceholderFormat
	primaryKey  string // surrogate key column definition
	lockClause  string // appended to SELECTs that must lock rows
	isolation   sql.IsolationLevel
}

var dialects = map[string]dialect{
	DialectSQLite: {
		name:        DialectSQLite,
		driver:      "sqlite",
		placeholder: sq.Question,
		primaryKey:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		lockClause:  "",
		isolation:   sql.LevelDefault,
	},
	DialectPostgres: {
		name:        DialectPostgres,
		driver:      "postgres",
		placeholder: sq.Dollar,
		primaryKey:  "BIGSERIAL PRIMARY KEY",
		lockClause:  "FOR UPDATE",
		isolation:   sql.LevelReadCommitted,
	},
}

func dialectFor(name string) (dialect, error) {
	if name == "" {
		name = DialectSQLite
	}
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported store driver %q", name)
	}
	return d, nil
}

// sqliteDSN opens path with WAL, foreign keys and immediate write locks.
func sqliteDSN(path string, busy time.Duration) string {
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "foreign_keys(1)")
	v.Add("_txlock", "immediate")
	return "file:" + path + "?" + v.Encode()
}

// ─── Driver Error Classification ────────────────────────────────────────────

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(se.Error(), "UNIQUE constraint failed")
		}
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(se.Error(), "CHECK constraint failed")
		}
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23514"
	}
	return false
}

func isLockTimeout(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "55P03", // lock_not_available
			"57014", // query_canceled
			"40P01", // deadlock_detected
			"40001": // serialization_failure
			return true
		}
	}
	return false
}
