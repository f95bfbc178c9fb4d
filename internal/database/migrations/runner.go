// Package migrations applies the embedded schema migrations using goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql
var embedded embed.FS

// Dialect names a migration set under sql/.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

func (d Dialect) goose() (goose.Dialect, error) {
	switch d {
	case DialectSQLite:
		return goose.DialectSQLite3, nil
	case DialectPostgres:
		return goose.DialectPostgres, nil
	case DialectMySQL:
		return goose.DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported migration dialect: %q", string(d))
	}
}

// MigrationRunner manages database migrations using goose.
type MigrationRunner struct {
	db      *sql.DB
	dialect Dialect
	fsys    fs.FS
}

// NewMigrationRunner creates a runner over the embedded migrations for dialect.
func NewMigrationRunner(db *sql.DB, dialect Dialect) (*MigrationRunner, error) {
	if _, err := dialect.goose(); err != nil {
		return nil, err
	}
	sub, err := fs.Sub(embedded, path.Join("sql", string(dialect)))
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return NewMigrationRunnerFS(db, dialect, sub), nil
}

// NewMigrationRunnerFS creates a runner over the SQL files at the root of fsys.
func NewMigrationRunnerFS(db *sql.DB, dialect Dialect, fsys fs.FS) *MigrationRunner {
	return &MigrationRunner{db: db, dialect: dialect, fsys: fsys}
}

// MigrationState describes one known migration.
type MigrationState struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

func (m *MigrationRunner) provider() (*goose.Provider, error) {
	if m.db == nil {
		return nil, errors.New("database connection is nil")
	}
	if m.fsys == nil {
		return nil, errors.New("migrations filesystem is nil")
	}
	dialect, err := m.dialect.goose()
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(dialect, m.db, m.fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return p, nil
}

// Up applies all pending migrations.
// Each migration runs in a transaction and will be rolled back if it fails.
// A dialect-specific lock prevents concurrent migrations from several instances.
func (m *MigrationRunner) Up(ctx context.Context) error {
	p, err := m.provider()
	if err != nil {
		return err
	}

	release, err := m.acquireMigrationLock()
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *MigrationRunner) Down(ctx context.Context) error {
	p, err := m.provider()
	if err != nil {
		return err
	}

	release, err := m.acquireMigrationLock()
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	if _, err := p.Down(ctx); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the current migration version, 0 if none has been applied.
func (m *MigrationRunner) Version(ctx context.Context) (int64, error) {
	p, err := m.provider()
	if err != nil {
		return 0, err
	}
	version, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

// Status lists every known migration and whether it has been applied.
func (m *MigrationRunner) Status(ctx context.Context) ([]MigrationState, error) {
	p, err := m.provider()
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationState{
			Version:   s.Source.Version,
			Name:      path.Base(s.Source.Path),
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}

// acquireMigrationLock returns a release function that must be called to release the lock.
func (m *MigrationRunner) acquireMigrationLock() (func(), error) {
	switch m.dialect {
	case DialectPostgres:
		return m.acquirePostgresLock()
	case DialectMySQL:
		return m.acquireMySQLLock()
	default:
		return m.acquireSQLiteLock()
	}
}

// acquireSQLiteLock acquires a lock using a SQLite lock table.
func (m *MigrationRunner) acquireSQLiteLock() (func(), error) {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			locked BOOLEAN NOT NULL DEFAULT 0,
			locked_at DATETIME,
			locked_by TEXT
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	_, _ = m.db.Exec(`INSERT OR IGNORE INTO migration_lock (id, locked) VALUES (1, 0)`)

	const maxRetries = 10
	retryDelay := 100 * time.Millisecond
	owner := fmt.Sprintf("pid-%d", os.Getpid())

	for i := 0; i < maxRetries; i++ {
		result, err := m.db.Exec(`
			UPDATE migration_lock
			SET locked = 1, locked_at = CURRENT_TIMESTAMP, locked_by = ?
			WHERE id = 1 AND locked = 0
		`, owner)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 1 {
			return func() {
				_, _ = m.db.Exec(`UPDATE migration_lock SET locked = 0, locked_by = NULL WHERE id = 1`)
			}, nil
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("migration lock is already held by another process (retried %d times)", maxRetries)
}
