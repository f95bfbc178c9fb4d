package metering

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/database"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/stretchr/testify/require"
)

var march = time.Date(2026, 3, 15, 12, 0, 30, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedDeveloper stores an active developer with the given ceilings and returns its id.
func seedDeveloper(t *testing.T, db *database.DB, monthly, rate int, month string) string {
	t.Helper()
	key, secret, err := credential.GenerateKeyPair(credential.EnvironmentTest)
	require.NoError(t, err)
	id := uuid.NewString()
	require.NoError(t, db.CreateDeveloper(context.Background(), developer.Developer{
		ID:          id,
		Name:        "Acme",
		APIKey:      key,
		SecretHash:  credential.HashSecret(secret),
		Environment: credential.EnvironmentTest,
		IsActive:    true,
		CreatedAt:   march,
		UpdatedAt:   march,
	}, developer.UsageLimit{
		DeveloperID:        id,
		MonthlyLimit:       monthly,
		CurrentMonth:       month,
		RateLimitPerMinute: rate,
		UpdatedAt:          march,
	}, developer.CreateOptions{}))
	return id
}

// fakeLimitStore is a LimitStore whose behaviour is set per test.
type fakeLimitStore struct {
	mu        sync.Mutex
	limit     developer.UsageLimit
	getErr    error
	consumeOK bool
	block     bool
	consumed  int
}

func (f *fakeLimitStore) GetUsageLimit(ctx context.Context, _ string) (developer.UsageLimit, error) {
	if f.block {
		<-ctx.Done()
		return developer.UsageLimit{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit, f.getErr
}

func (f *fakeLimitStore) EnsureUsageLimit(context.Context, developer.UsageLimit) error { return nil }

func (f *fakeLimitStore) ConsumeQuota(context.Context, string, string, int, time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed++
	return f.consumeOK, nil
}

func (f *fakeLimitStore) UpdateUsageLimits(context.Context, string, *int, *int, time.Time) error {
	return nil
}

func (f *fakeLimitStore) ResetMonthlyUsage(context.Context, string, string, time.Time) error {
	return nil
}

func (f *fakeLimitStore) ResetStaleMonths(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}
