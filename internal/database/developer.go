package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/developer"
)

// ErrDuplicateAPIKey is returned when an api_key collides with an existing row.
var ErrDuplicateAPIKey = developer.ErrDuplicateAPIKey

const developerColumns = `id, name, email, api_key, api_secret_hash, environment, is_active, owner_user_id, metadata, created_at, updated_at`

// CreateDeveloper inserts the developer and its limits row in one transaction.
// When opts.MaxActivePerOwner is set, the owner's active count is checked inside the
// same transaction so concurrent creations cannot exceed the cap.
func (d *DB) CreateDeveloper(ctx context.Context, dev developer.Developer, limit developer.UsageLimit, opts developer.CreateOptions) error {
	metadata, err := encodeMetadata(dev.Metadata)
	if err != nil {
		return err
	}

	return d.Transaction(ctx, func(tx *sql.Tx) error {
		if opts.MaxActivePerOwner > 0 && dev.OwnerUserID != nil {
			count, err := d.countActiveByOwnerLocked(ctx, tx, *dev.OwnerUserID)
			if err != nil {
				return err
			}
			if count >= opts.MaxActivePerOwner {
				return developer.ErrLimitExceeded
			}
		}

		_, err := d.exec(ctx, tx, `
		INSERT INTO developers (`+developerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			dev.ID,
			dev.Name,
			dev.Email,
			dev.APIKey,
			dev.SecretHash,
			string(dev.Environment),
			dev.IsActive,
			nullString(dev.OwnerUserID),
			metadata,
			dbTime(dev.CreatedAt),
			dbTime(dev.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateAPIKey
			}
			return fmt.Errorf("failed to create developer: %w", err)
		}

		if err := d.insertUsageLimit(ctx, tx, dev.ID, limit); err != nil {
			return fmt.Errorf("failed to create developer limits: %w", err)
		}
		return nil
	})
}

// countActiveByOwnerLocked counts the owner's active developers while holding a
// lock that serializes concurrent creations for the same owner.
func (d *DB) countActiveByOwnerLocked(ctx context.Context, tx *sql.Tx, owner string) (int, error) {
	query := `SELECT COUNT(*) FROM developers WHERE owner_user_id = ? AND is_active = ?`
	switch d.driver {
	case DriverPostgres:
		if _, err := d.exec(ctx, tx, `SELECT pg_advisory_xact_lock(hashtext(?))`, owner); err != nil {
			return 0, fmt.Errorf("failed to lock owner: %w", err)
		}
	case DriverMySQL:
		query += ` FOR UPDATE`
	}
	// SQLite transactions begin IMMEDIATE and are already serialized.

	var count int
	if err := d.queryRow(ctx, tx, query, owner, true).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count developers for owner: %w", err)
	}
	return count, nil
}

// GetDeveloperByID retrieves a developer by ID.
func (d *DB) GetDeveloperByID(ctx context.Context, id string) (developer.Developer, error) {
	row := d.queryRow(ctx, d.db, `SELECT `+developerColumns+` FROM developers WHERE id = ?`, id)
	return scanDeveloper(row)
}

// GetDeveloperByAPIKey retrieves a developer by its public key.
func (d *DB) GetDeveloperByAPIKey(ctx context.Context, apiKey string) (developer.Developer, error) {
	row := d.queryRow(ctx, d.db, `SELECT `+developerColumns+` FROM developers WHERE api_key = ?`, apiKey)
	return scanDeveloper(row)
}

// ListDevelopers lists developers newest first.
func (d *DB) ListDevelopers(ctx context.Context, filter developer.ListFilter) ([]developer.Developer, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerUserID != nil {
		where = append(where, "owner_user_id = ?")
		args = append(args, *filter.OwnerUserID)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}

	query := `SELECT ` + developerColumns + ` FROM developers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list developers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devs []developer.Developer
	for rows.Next() {
		dev, err := scanDeveloper(rows)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating developers: %w", err)
	}
	return devs, nil
}

// CountActiveDevelopersByOwner counts the owner's active developers.
func (d *DB) CountActiveDevelopersByOwner(ctx context.Context, ownerUserID string) (int, error) {
	var count int
	err := d.queryRow(ctx, d.db, `SELECT COUNT(*) FROM developers WHERE owner_user_id = ? AND is_active = ?`, ownerUserID, true).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count developers for owner: %w", err)
	}
	return count, nil
}

// UpdateDeveloper updates the mutable fields of a developer. api_key and
// api_secret_hash are never written here.
func (d *DB) UpdateDeveloper(ctx context.Context, dev developer.Developer) error {
	metadata, err := encodeMetadata(dev.Metadata)
	if err != nil {
		return err
	}
	result, err := d.exec(ctx, d.db, `
	UPDATE developers
	SET name = ?, email = ?, is_active = ?, owner_user_id = ?, metadata = ?, updated_at = ?
	WHERE id = ?
	`,
		dev.Name,
		dev.Email,
		dev.IsActive,
		nullString(dev.OwnerUserID),
		metadata,
		dbTime(dev.UpdatedAt),
		dev.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update developer: %w", err)
	}
	return requireOneRow(result)
}

// UpdateSecretHash overwrites the stored secret hash. The previous secret stops
// verifying as soon as this commits.
func (d *DB) UpdateSecretHash(ctx context.Context, id, secretHash string, updatedAt time.Time) error {
	result, err := d.exec(ctx, d.db, `UPDATE developers SET api_secret_hash = ?, updated_at = ? WHERE id = ?`,
		secretHash, dbTime(updatedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	return requireOneRow(result)
}

// DeleteDeveloper deletes a developer together with its limits and usage log.
func (d *DB) DeleteDeveloper(ctx context.Context, id string) error {
	return d.Transaction(ctx, func(tx *sql.Tx) error {
		// Children are removed explicitly as well so the delete does not depend
		// on foreign key enforcement being enabled on the connection.
		if _, err := d.exec(ctx, tx, `DELETE FROM developer_usage_log WHERE developer_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete usage log: %w", err)
		}
		if _, err := d.exec(ctx, tx, `DELETE FROM developer_limits WHERE developer_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete limits: %w", err)
		}
		result, err := d.exec(ctx, tx, `DELETE FROM developers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete developer: %w", err)
		}
		return requireOneRow(result)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeveloper(row rowScanner) (developer.Developer, error) {
	var (
		dev         developer.Developer
		environment string
		owner       sql.NullString
		metadata    sql.NullString
	)
	err := row.Scan(
		&dev.ID,
		&dev.Name,
		&dev.Email,
		&dev.APIKey,
		&dev.SecretHash,
		&environment,
		&dev.IsActive,
		&owner,
		&metadata,
		&dev.CreatedAt,
		&dev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return developer.Developer{}, developer.ErrNotFound
		}
		return developer.Developer{}, fmt.Errorf("failed to scan developer: %w", err)
	}

	dev.Environment = credential.Environment(environment)
	if owner.Valid {
		v := owner.String
		dev.OwnerUserID = &v
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &dev.Metadata); err != nil {
			return developer.Developer{}, fmt.Errorf("failed to decode developer metadata: %w", err)
		}
	}
	if len(dev.Metadata) == 0 {
		dev.Metadata = nil
	}
	dev.CreatedAt = dev.CreatedAt.UTC()
	dev.UpdatedAt = dev.UpdatedAt.UTC()
	return dev, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode developer metadata: %w", err)
	}
	return string(b), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return developer.ErrNotFound
	}
	return nil
}
