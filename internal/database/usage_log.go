package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/robotpdf/devkeys/internal/developer"
)

// InsertUsageLogs appends entries in a single transaction. Entries for
// developers that no longer exist are skipped so one deletion cannot roll
// back the rest of the batch.
func (d *DB) InsertUsageLogs(ctx context.Context, entries []developer.UsageLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.Transaction(ctx, func(tx *sql.Tx) error {
		live, err := d.existingDeveloperIDs(ctx, tx, entries)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, d.RebindQuery(`
		INSERT INTO developer_usage_log (developer_id, tool_name, outcome, usage_count, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare usage log insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, e := range entries {
			if _, ok := live[e.DeveloperID]; !ok {
				continue
			}
			count := e.UsageCount
			if count <= 0 {
				count = 1
			}
			outcome := e.Outcome
			if outcome == "" {
				outcome = developer.OutcomeSuccess
			}
			lastUsed := e.LastUsedAt
			if lastUsed.IsZero() {
				lastUsed = e.CreatedAt
			}
			if _, err := stmt.ExecContext(ctx, e.DeveloperID, e.ToolName, string(outcome), count, dbTime(e.CreatedAt), dbTime(lastUsed)); err != nil {
				return fmt.Errorf("failed to insert usage log: %w", err)
			}
		}
		return nil
	})
}

// existingDeveloperIDs returns the set of developer ids referenced by entries
// that are still present.
func (d *DB) existingDeveloperIDs(ctx context.Context, q queryer, entries []developer.UsageLogEntry) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(entries))
	ids := make([]any, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.DeveloperID]; ok {
			continue
		}
		seen[e.DeveloperID] = struct{}{}
		ids = append(ids, e.DeveloperID)
	}

	rows, err := d.query(ctx, q, `SELECT id FROM developers WHERE id IN (`+inClause(len(ids))+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up developers for usage log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	live := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan developer id: %w", err)
		}
		live[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate developer ids: %w", err)
	}
	return live, nil
}

// ListUsageLogs returns entries newest first.
func (d *DB) ListUsageLogs(ctx context.Context, filter developer.UsageLogFilter) ([]developer.UsageLogEntry, error) {
	where, args := usageLogWhere(filter.DeveloperIDs, filter.ToolName, filter.From, filter.To)

	query := `SELECT id, developer_id, tool_name, outcome, usage_count, created_at, last_used_at FROM developer_usage_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []developer.UsageLogEntry
	for rows.Next() {
		var (
			e       developer.UsageLogEntry
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.DeveloperID, &e.ToolName, &outcome, &e.UsageCount, &e.CreatedAt, &e.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		e.Outcome = developer.Outcome(outcome)
		e.CreatedAt = e.CreatedAt.UTC()
		e.LastUsedAt = e.LastUsedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}
	return entries, nil
}

// SummarizeToolUsage groups successful calls in [from, to) by tool.
func (d *DB) SummarizeToolUsage(ctx context.Context, developerID string, from, to time.Time) ([]developer.ToolUsage, error) {
	where, args := usageLogWhere([]string{developerID}, "", from, to)
	where = append(where, "outcome = ?")
	args = append(args, string(developer.OutcomeSuccess))

	query := `SELECT tool_name, SUM(usage_count), MAX(last_used_at) FROM developer_usage_log WHERE ` +
		strings.Join(where, " AND ") + ` GROUP BY tool_name ORDER BY tool_name`

	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []developer.ToolUsage
	for rows.Next() {
		var (
			u        developer.ToolUsage
			total    int64
			lastUsed any
		)
		if err := rows.Scan(&u.ToolName, &total, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		u.UsageCount = int(total)
		if u.LastUsedAt, err = scanTime(lastUsed); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary: %w", err)
	}
	return out, nil
}

func usageLogWhere(developerIDs []string, tool string, from, to time.Time) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if len(developerIDs) > 0 {
		where = append(where, "developer_id IN ("+inClause(len(developerIDs))+")")
		for _, id := range developerIDs {
			args = append(args, id)
		}
	}
	if tool != "" {
		where = append(where, "tool_name = ?")
		args = append(args, tool)
	}
	if !from.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, dbTime(from))
	}
	if !to.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, dbTime(to))
	}
	return where, args
}
