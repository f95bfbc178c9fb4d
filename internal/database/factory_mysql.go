//go:build mysql

package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql" // MySQL driver
)

// newMySQLDB creates a new MySQL database connection.
// This implementation is only available when built with the 'mysql' build tag.
func newMySQLDB(config Config) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for MySQL driver")
	}

	cfg, err := mysql.ParseDSN(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DATABASE_URL: %w", err)
	}
	// DATETIME columns must scan into time.Time, and RowsAffected must count
	// matched rows so idempotent updates are not reported as missing.
	cfg.ParseTime = true
	cfg.ClientFoundRows = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	return &DB{db: db, driver: DriverMySQL}, nil
}

func init() {
	uniqueViolationCheckers = append(uniqueViolationCheckers, isMySQLUniqueViolation)
}

// isMySQLUniqueViolation matches ER_DUP_ENTRY.
func isMySQLUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}
