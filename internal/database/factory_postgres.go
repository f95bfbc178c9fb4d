//go:build postgres

package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (pgx)
	"github.com/lib/pq"                // PostgreSQL driver (postgres)
)

// newPostgresDB creates a new PostgreSQL database connection.
// This implementation is only available when built with the 'postgres' build tag.
func newPostgresDB(config Config) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for PostgreSQL driver")
	}
	driverName := config.PostgresDriver
	if driverName == "" {
		driverName = "pgx"
	}
	if driverName != "pgx" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported PostgreSQL driver %q (want pgx or postgres)", driverName)
	}

	db, err := sql.Open(driverName, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	return &DB{db: db, driver: DriverPostgres}, nil
}

func init() {
	uniqueViolationCheckers = append(uniqueViolationCheckers, isPostgresUniqueViolation)
}

// isPostgresUniqueViolation matches SQLSTATE 23505 from either driver.
func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
