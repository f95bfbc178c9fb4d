package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mysqlLockName = "devkeys-migrations"

// acquireMySQLLock takes a named lock with GET_LOCK on a dedicated connection.
// GET_LOCK returns 1 when acquired, 0 on timeout and NULL on error.
func (m *MigrationRunner) acquireMySQLLock() (func(), error) {
	ctx := context.Background()
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for named lock: %w", err)
	}

	const maxRetries = 10
	const lockTimeoutSeconds = 10

	for i := 0; i < maxRetries; i++ {
		var result sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", mysqlLockName, lockTimeoutSeconds).Scan(&result); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to try MySQL named lock: %w", err)
		}
		if !result.Valid {
			_ = conn.Close()
			return nil, errors.New("MySQL GET_LOCK returned NULL")
		}
		if result.Int64 == 1 {
			return func() {
				_, _ = conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", mysqlLockName)
				_ = conn.Close()
			}, nil
		}
		if i < maxRetries-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("failed to acquire MySQL named lock after %d retries", maxRetries)
}
