package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/robotpdf/devkeys/internal/developer"
)

// TimeRange is a half-open interval [From, To). The zero value means the current month.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// resolve fills a zero bound from the month containing now.
func (r TimeRange) resolve(now time.Time) TimeRange {
	now = now.UTC()
	if r.From.IsZero() {
		r.From = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if r.To.IsZero() {
		r.To = NextMonth(now)
	}
	return r
}

// UsageSummary is the aggregate usage view for one developer.
type UsageSummary struct {
	DeveloperID        string                `json:"developer_id"`
	MonthlyLimit       int                   `json:"monthly_limit"`
	CurrentMonthUsed   int                   `json:"current_month_used"`
	CurrentMonth       string                `json:"current_month"`
	Remaining          int                   `json:"remaining"`
	RateLimitPerMinute int                   `json:"rate_limit_per_minute"`
	RateRemaining      int                   `json:"rate_remaining"`
	From               time.Time             `json:"from"`
	To                 time.Time             `json:"to"`
	PerTool            []developer.ToolUsage `json:"per_tool"`
}

// UsageReporter builds usage summaries from the limits row, the rate window and the usage log.
type UsageReporter struct {
	limits developer.LimitStore
	logs   developer.UsageLogStore
	window WindowLimiter
	now    func() time.Time
}

// NewUsageReporter creates a reporter. window may be nil, in which case the full
// per-minute ceiling is reported as remaining.
func NewUsageReporter(limits developer.LimitStore, logs developer.UsageLogStore, window WindowLimiter) *UsageReporter {
	return &UsageReporter{limits: limits, logs: logs, window: window, now: time.Now}
}

// Summary reports the developer's quota state and per-tool usage within tr.
func (r *UsageReporter) Summary(ctx context.Context, developerID string, tr TimeRange) (UsageSummary, error) {
	now := r.now().UTC()
	tr = tr.resolve(now)
	if !tr.From.Before(tr.To) {
		return UsageSummary{}, fmt.Errorf("%w: time range start must be before end", developer.ErrInvalidInput)
	}

	limit, err := r.limits.GetUsageLimit(ctx, developerID)
	if err != nil {
		return UsageSummary{}, err
	}
	limit = Effective(limit, now)

	rateRemaining := limit.RateLimitPerMinute
	if r.window != nil {
		if n, err := r.window.Remaining(ctx, developerID, limit.RateLimitPerMinute); err == nil {
			rateRemaining = n
		}
	}

	perTool, err := r.logs.SummarizeToolUsage(ctx, developerID, tr.From, tr.To)
	if err != nil {
		return UsageSummary{}, err
	}
	if perTool == nil {
		perTool = []developer.ToolUsage{}
	}

	return UsageSummary{
		DeveloperID:        developerID,
		MonthlyLimit:       limit.MonthlyLimit,
		CurrentMonthUsed:   limit.CurrentMonthUsed,
		CurrentMonth:       limit.CurrentMonth,
		Remaining:          max(limit.MonthlyLimit-limit.CurrentMonthUsed, 0),
		RateLimitPerMinute: limit.RateLimitPerMinute,
		RateRemaining:      rateRemaining,
		From:               tr.From,
		To:                 tr.To,
		PerTool:            perTool,
	}, nil
}

// Logs pages usage log entries, newest first.
func (r *UsageReporter) Logs(ctx context.Context, filter developer.UsageLogFilter) ([]developer.UsageLogEntry, error) {
	entries, err := r.logs.ListUsageLogs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []developer.UsageLogEntry{}
	}
	return entries, nil
}
