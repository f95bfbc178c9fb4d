package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robotpdf/devkeys/internal/database/migrations"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DriverType represents the database driver type.
type DriverType string

const (
	// DriverSQLite represents the SQLite database driver.
	DriverSQLite DriverType = "sqlite"
	// DriverPostgres represents the PostgreSQL database driver.
	DriverPostgres DriverType = "postgres"
	// DriverMySQL represents the MySQL database driver.
	DriverMySQL DriverType = "mysql"
)

// Config contains the database configuration for all drivers.
type Config struct {
	// Driver specifies which database driver to use (sqlite, postgres, mysql).
	Driver DriverType
	// Path is the path to the SQLite database file.
	Path string
	// DatabaseURL is the PostgreSQL or MySQL connection string.
	// MySQL URLs must set parseTime=true.
	DatabaseURL string
	// PostgresDriver selects the database/sql driver for PostgreSQL: "pgx" (default) or "postgres" (lib/pq).
	PostgresDriver string
	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int
	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration
	// SkipMigrations opens the database without applying pending migrations.
	SkipMigrations bool
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "data/devkeys.db",
		PostgresDriver:  "pgx",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Invalid values are logged as warnings and defaults are used.
func ConfigFromEnv(logger *zap.Logger) Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := DefaultConfig()

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		driverType := DriverType(strings.ToLower(driver))
		if driverType != DriverSQLite && driverType != DriverPostgres && driverType != DriverMySQL {
			logger.Warn("unsupported DB_DRIVER, defaulting to sqlite", zap.String("driver", driver))
		} else {
			config.Driver = driverType
		}
	}

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.Path = path
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.DatabaseURL = url
	}

	if pgDriver := os.Getenv("DATABASE_POSTGRES_DRIVER"); pgDriver != "" {
		config.PostgresDriver = pgDriver
	}

	if poolSize := os.Getenv("DATABASE_POOL_SIZE"); poolSize != "" {
		if size, err := parsePositiveInt(poolSize); err == nil {
			config.MaxOpenConns = size
		} else {
			logger.Warn("invalid DATABASE_POOL_SIZE, using default", zap.String("value", poolSize), zap.Int("default", config.MaxOpenConns))
		}
	}

	if idleConns := os.Getenv("DATABASE_MAX_IDLE_CONNS"); idleConns != "" {
		if size, err := parsePositiveInt(idleConns); err == nil {
			config.MaxIdleConns = size
		} else {
			logger.Warn("invalid DATABASE_MAX_IDLE_CONNS, using default", zap.String("value", idleConns), zap.Int("default", config.MaxIdleConns))
		}
	}

	if lifetime := os.Getenv("DATABASE_CONN_MAX_LIFETIME"); lifetime != "" {
		if duration, err := time.ParseDuration(lifetime); err == nil {
			config.ConnMaxLifetime = duration
		} else {
			logger.Warn("invalid DATABASE_CONN_MAX_LIFETIME, using default", zap.String("value", lifetime), zap.Duration("default", config.ConnMaxLifetime))
		}
	}

	return config
}

// parsePositiveInt parses a string as a positive integer.
func parsePositiveInt(s string) (int, error) {
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	if err != nil || i <= 0 {
		return 0, fmt.Errorf("invalid positive integer: %s", s)
	}
	return i, nil
}

// NewFromConfig opens a database for the configured driver and applies pending migrations.
func NewFromConfig(config Config) (*DB, error) {
	var (
		d   *DB
		err error
	)
	switch config.Driver {
	case DriverSQLite, "":
		d, err = newSQLiteDB(config)
	case DriverPostgres:
		d, err = newPostgresDB(config)
	case DriverMySQL:
		d, err = newMySQLDB(config)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	if !config.SkipMigrations {
		if err := d.Migrate(context.Background()); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

// NewInMemory opens a migrated in-memory SQLite database. Used by tests and the CLI's dry runs.
func NewInMemory() (*DB, error) {
	cfg := DefaultConfig()
	cfg.Path = ":memory:"
	return NewFromConfig(cfg)
}

// newSQLiteDB creates a new SQLite database connection.
func newSQLiteDB(config Config) (*DB, error) {
	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}
	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Timestamps are written and parsed in UTC. _txlock=immediate takes the write lock at
	// BEGIN so that count-then-insert transactions serialize.
	dsn := config.Path + "?_journal=WAL&_foreign_keys=on&_loc=UTC&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// In-memory SQLite databases are per-connection. Use a single connection
	// to ensure schema and data are visible across queries within the same *sql.DB handle.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	return &DB{db: db, driver: DriverSQLite}, nil
}

// MigrationDialect returns the migrations dialect for the driver.
func (d *DB) MigrationDialect() migrations.Dialect {
	switch d.driver {
	case DriverPostgres:
		return migrations.DialectPostgres
	case DriverMySQL:
		return migrations.DialectMySQL
	default:
		return migrations.DialectSQLite
	}
}

// MigrationRunner returns a runner over the embedded migrations for this database.
func (d *DB) MigrationRunner() (*migrations.MigrationRunner, error) {
	return migrations.NewMigrationRunner(d.db, d.MigrationDialect())
}

// Migrate applies all pending migrations.
func (d *DB) Migrate(ctx context.Context) error {
	runner, err := d.MigrationRunner()
	if err != nil {
		return err
	}
	if err := runner.Up(ctx); err != nil {
		return fmt.Errorf("failed to run %s migrations: %w", d.driver, err)
	}
	return nil
}
