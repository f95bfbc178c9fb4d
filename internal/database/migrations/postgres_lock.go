package migrations

import (
	"context"
	"fmt"
	"time"
)

// postgresLockID identifies this service's migration advisory lock.
const postgresLockID int64 = 7046215393

// acquirePostgresLock takes a session advisory lock on a dedicated connection.
// The lock is released explicitly or when the connection closes.
func (m *MigrationRunner) acquirePostgresLock() (func(), error) {
	ctx := context.Background()
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for advisory lock: %w", err)
	}

	const maxRetries = 10
	retryDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", postgresLockID).Scan(&acquired); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		if acquired {
			return func() {
				_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", postgresLockID)
				_ = conn.Close()
			}, nil
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("failed to acquire PostgreSQL advisory lock after %d retries", maxRetries)
}
