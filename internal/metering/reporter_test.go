package metering

import (
	"context"
	"testing"
	"time"

	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageReporter_Summary(t *testing.T) {
	db := newTestDB(t)
	id := seedDeveloper(t, db, 3, 100, "2026-03")
	ctx := context.Background()

	l, window := newTestLimiter(db, march)
	for i := 0; i < 3; i++ {
		d, err := l.CheckAndConsume(ctx, id, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	require.NoError(t, db.InsertUsageLogs(ctx, []developer.UsageLogEntry{
		{DeveloperID: id, ToolName: "merge", UsageCount: 2, CreatedAt: march},
		{DeveloperID: id, ToolName: "ocr", CreatedAt: march.Add(time.Minute)},
		{DeveloperID: id, ToolName: "ocr", Outcome: developer.OutcomeError, CreatedAt: march},
		{DeveloperID: id, ToolName: "split", CreatedAt: march.AddDate(0, -1, 0)},
	}))

	r := NewUsageReporter(db, db, window)
	r.now = fixedClock(march)

	s, err := r.Summary(ctx, id, TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 3, s.MonthlyLimit)
	assert.Equal(t, 3, s.CurrentMonthUsed)
	assert.Equal(t, 0, s.Remaining)
	assert.Equal(t, 100, s.RateLimitPerMinute)
	assert.Equal(t, 97, s.RateRemaining)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), s.From)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), s.To)
	require.Len(t, s.PerTool, 2)
	assert.Equal(t, "merge", s.PerTool[0].ToolName)
	assert.Equal(t, 2, s.PerTool[0].UsageCount)
	assert.Equal(t, "ocr", s.PerTool[1].ToolName)
	assert.Equal(t, 1, s.PerTool[1].UsageCount)

	wide, err := r.Summary(ctx, id, TimeRange{From: march.AddDate(0, -2, 0)})
	require.NoError(t, err)
	assert.Len(t, wide.PerTool, 3)
}

func TestUsageReporter_StaleMonthReadsAsFresh(t *testing.T) {
	db := newTestDB(t)
	id := seedDeveloper(t, db, 5, 10, "2026-02")
	_, err := db.ConsumeQuota(context.Background(), id, "2026-02", 4, march)
	require.NoError(t, err)

	r := NewUsageReporter(db, db, nil)
	r.now = fixedClock(march)
	s, err := r.Summary(context.Background(), id, TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 0, s.CurrentMonthUsed)
	assert.Equal(t, "2026-03", s.CurrentMonth)
	assert.Equal(t, 5, s.Remaining)
	assert.Equal(t, 10, s.RateRemaining)
	assert.NotNil(t, s.PerTool)
}

func TestUsageReporter_Errors(t *testing.T) {
	db := newTestDB(t)
	r := NewUsageReporter(db, db, nil)

	_, err := r.Summary(context.Background(), "missing", TimeRange{})
	require.ErrorIs(t, err, developer.ErrNotFound)

	_, err = r.Summary(context.Background(), "missing", TimeRange{From: march, To: march})
	require.ErrorIs(t, err, developer.ErrInvalidInput)
}

func TestUsageReporter_Logs(t *testing.T) {
	db := newTestDB(t)
	id := seedDeveloper(t, db, 5, 10, "2026-03")
	r := NewUsageReporter(db, db, nil)

	logs, err := r.Logs(context.Background(), developer.UsageLogFilter{DeveloperIDs: []string{id}})
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)

	require.NoError(t, db.InsertUsageLogs(context.Background(), []developer.UsageLogEntry{
		{DeveloperID: id, ToolName: "merge", CreatedAt: march},
		{DeveloperID: id, ToolName: "ocr", CreatedAt: march.Add(time.Second)},
	}))
	logs, err = r.Logs(context.Background(), developer.UsageLogFilter{DeveloperIDs: []string{id}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ocr", logs[0].ToolName)
}
