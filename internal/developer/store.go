package developer

import (
	"context"
	"time"
)

// CredentialReader resolves developers by public API key.
type CredentialReader interface {
	GetDeveloperByAPIKey(ctx context.Context, apiKey string) (Developer, error)
}

// ListFilter narrows ListDevelopers. A nil OwnerUserID lists every developer.
type ListFilter struct {
	OwnerUserID *string
	ActiveOnly  bool
	Limit       int
	Offset      int
}

// CreateOptions controls CreateDeveloper. When MaxActivePerOwner is positive and the
// developer has an owner, creation fails with ErrLimitExceeded once the owner already
// holds that many active developers.
type CreateOptions struct {
	MaxActivePerOwner int
}

// Store persists developer records. Implementations return ErrNotFound for missing rows.
type Store interface {
	CredentialReader
	CreateDeveloper(ctx context.Context, d Developer, limit UsageLimit, opts CreateOptions) error
	GetDeveloperByID(ctx context.Context, id string) (Developer, error)
	ListDevelopers(ctx context.Context, filter ListFilter) ([]Developer, error)
	CountActiveDevelopersByOwner(ctx context.Context, ownerUserID string) (int, error)
	UpdateDeveloper(ctx context.Context, d Developer) error
	UpdateSecretHash(ctx context.Context, id, secretHash string, updatedAt time.Time) error
	DeleteDeveloper(ctx context.Context, id string) error
}

// LimitStore persists UsageLimit rows. ConsumeQuota must be a single atomic
// conditional update: it applies the monthly rollover for month and adds cost
// only if the result stays within monthly_limit.
type LimitStore interface {
	GetUsageLimit(ctx context.Context, developerID string) (UsageLimit, error)
	EnsureUsageLimit(ctx context.Context, limit UsageLimit) error
	ConsumeQuota(ctx context.Context, developerID, month string, cost int, now time.Time) (bool, error)
	UpdateUsageLimits(ctx context.Context, developerID string, monthlyLimit, ratePerMinute *int, now time.Time) error
	ResetMonthlyUsage(ctx context.Context, developerID, month string, now time.Time) error
	ResetStaleMonths(ctx context.Context, month string, now time.Time) (int64, error)
}

// UsageLogFilter narrows ListUsageLogs. Zero times are unbounded.
type UsageLogFilter struct {
	DeveloperIDs []string
	ToolName     string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// UsageLogStore appends and aggregates usage log entries.
type UsageLogStore interface {
	InsertUsageLogs(ctx context.Context, entries []UsageLogEntry) error
	ListUsageLogs(ctx context.Context, filter UsageLogFilter) ([]UsageLogEntry, error)
	SummarizeToolUsage(ctx context.Context, developerID string, from, to time.Time) ([]ToolUsage, error)
}
