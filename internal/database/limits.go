package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robotpdf/devkeys/internal/developer"
)

const limitColumns = `developer_id, monthly_limit, current_month_used, current_month, rate_limit_per_minute, updated_at`

func (d *DB) insertUsageLimit(ctx context.Context, q queryer, developerID string, limit developer.UsageLimit) error {
	_, err := d.exec(ctx, q, `
	INSERT INTO developer_limits (`+limitColumns+`)
	VALUES (?, ?, ?, ?, ?, ?)
	`,
		developerID,
		limit.MonthlyLimit,
		limit.CurrentMonthUsed,
		limit.CurrentMonth,
		limit.RateLimitPerMinute,
		dbTime(limit.UpdatedAt),
	)
	return err
}

// GetUsageLimit returns the limits row for a developer.
func (d *DB) GetUsageLimit(ctx context.Context, developerID string) (developer.UsageLimit, error) {
	var limit developer.UsageLimit
	err := d.queryRow(ctx, d.db, `SELECT `+limitColumns+` FROM developer_limits WHERE developer_id = ?`, developerID).Scan(
		&limit.DeveloperID,
		&limit.MonthlyLimit,
		&limit.CurrentMonthUsed,
		&limit.CurrentMonth,
		&limit.RateLimitPerMinute,
		&limit.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return developer.UsageLimit{}, developer.ErrNotFound
		}
		return developer.UsageLimit{}, fmt.Errorf("failed to get usage limit: %w", err)
	}
	limit.UpdatedAt = limit.UpdatedAt.UTC()
	return limit, nil
}

// EnsureUsageLimit inserts limit if the developer has no limits row yet.
// An existing row is left untouched.
func (d *DB) EnsureUsageLimit(ctx context.Context, limit developer.UsageLimit) error {
	err := d.insertUsageLimit(ctx, d.db, limit.DeveloperID, limit)
	if err == nil || isUniqueViolation(err) {
		return nil
	}
	return fmt.Errorf("failed to create usage limit: %w", err)
}

// ConsumeQuota adds cost to the developer's monthly counter in a single conditional
// UPDATE. A row whose current_month differs from month is treated as zero used and
// moved to month in the same statement. It reports false when the result would
// exceed monthly_limit or the row does not exist; nothing is written in that case.
func (d *DB) ConsumeQuota(ctx context.Context, developerID, month string, cost int, now time.Time) (bool, error) {
	result, err := d.exec(ctx, d.db, `
	UPDATE developer_limits
	SET current_month_used = CASE WHEN current_month = ? THEN current_month_used + ? ELSE ? END,
		current_month = ?,
		updated_at = ?
	WHERE developer_id = ?
		AND (CASE WHEN current_month = ? THEN current_month_used ELSE 0 END) + ? <= monthly_limit
	`,
		month, cost, cost,
		month,
		dbTime(now),
		developerID,
		month, cost,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume quota: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateUsageLimits changes the ceilings. Nil values are left unchanged.
func (d *DB) UpdateUsageLimits(ctx context.Context, developerID string, monthlyLimit, ratePerMinute *int, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{dbTime(now)}
	if monthlyLimit != nil {
		sets = append(sets, "monthly_limit = ?")
		args = append(args, *monthlyLimit)
	}
	if ratePerMinute != nil {
		sets = append(sets, "rate_limit_per_minute = ?")
		args = append(args, *ratePerMinute)
	}
	args = append(args, developerID)

	result, err := d.exec(ctx, d.db, `UPDATE developer_limits SET `+strings.Join(sets, ", ")+` WHERE developer_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update usage limits: %w", err)
	}
	return requireOneRow(result)
}

// ResetMonthlyUsage zeroes the counter and sets current_month. Idempotent.
func (d *DB) ResetMonthlyUsage(ctx context.Context, developerID, month string, now time.Time) error {
	result, err := d.exec(ctx, d.db, `
	UPDATE developer_limits SET current_month_used = 0, current_month = ?, updated_at = ? WHERE developer_id = ?
	`, month, dbTime(now), developerID)
	if err != nil {
		return fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	return requireOneRow(result)
}

// ResetStaleMonths zeroes every counter whose current_month is before month and
// returns the number of rows reset. Month tags are YYYY-MM so string order is
// date order; counters already on a later month are left alone.
func (d *DB) ResetStaleMonths(ctx context.Context, month string, now time.Time) (int64, error) {
	result, err := d.exec(ctx, d.db, `
	UPDATE developer_limits SET current_month_used = 0, current_month = ?, updated_at = ? WHERE current_month < ?
	`, month, dbTime(now), month)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale months: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
