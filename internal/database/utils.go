package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// uniqueViolationCheckers is extended by driver-specific files.
var uniqueViolationCheckers = []func(error) bool{isSQLiteUniqueViolation}

// isUniqueViolation reports whether err is a unique or primary key constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	for _, check := range uniqueViolationCheckers {
		if check(err) {
			return true
		}
	}
	return false
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// RebindQuery converts a query from ? placeholders to the appropriate
// placeholder style for the database driver.
func (d *DB) RebindQuery(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	// Convert ? to $1, $2, $3, etc. (single pass)
	var builder strings.Builder
	builder.Grow(len(query) + 10)
	count := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			count++
			builder.WriteString(fmt.Sprintf("$%d", count))
		} else {
			builder.WriteByte(query[i])
		}
	}
	return builder.String()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.RebindQuery(query), args...)
}

func (d *DB) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.RebindQuery(query), args...)
}

func (d *DB) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.RebindQuery(query), args...)
}

// inClause returns "?, ?, ?" for n values.
func inClause(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// dbTime normalizes timestamps before they are written.
func dbTime(t time.Time) time.Time {
	return t.UTC()
}

// scanTime converts an aggregate timestamp (MAX/MIN) to time.Time. SQLite returns
// these as text because the result column has no declared type.
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
