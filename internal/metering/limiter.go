// Package metering enforces per-developer monthly quotas and per-minute rate
// ceilings, records usage and reports summaries.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/metrics"
	"go.uber.org/zap"
)

// DefaultMeterTimeout bounds the store work done by CheckAndConsume.
const DefaultMeterTimeout = 250 * time.Millisecond

// MonthTag returns the "YYYY-MM" tag of t in UTC.
func MonthTag(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextMonth returns the first instant of the month after t, in UTC.
func NextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// NeedsRollover reports whether limit's counter belongs to a month other than now's.
func NeedsRollover(limit developer.UsageLimit, now time.Time) bool {
	return limit.CurrentMonth != MonthTag(now)
}

// Effective returns limit as it applies at now: a stale month reads as zero used.
func Effective(limit developer.UsageLimit, now time.Time) developer.UsageLimit {
	if NeedsRollover(limit, now) {
		limit.CurrentMonthUsed = 0
		limit.CurrentMonth = MonthTag(now)
	}
	return limit
}

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Allowed bool
	// Reason is ErrQuotaExceeded or ErrRateLimited when the call is denied.
	Reason        error
	MonthlyLimit  int
	Used          int
	Remaining     int
	RatePerMinute int
	RateRemaining int
	// RetryAfter is how long until the denying ceiling resets.
	RetryAfter time.Duration
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	Timeout  time.Duration
	Defaults developer.LimitDefaults
	Window   WindowLimiter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Limiter is the Usage Limiter.
type Limiter struct {
	store    developer.LimitStore
	window   WindowLimiter
	defaults developer.LimitDefaults
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewLimiter creates a Limiter over store. A nil Window uses an in-memory window.
func NewLimiter(store developer.LimitStore, cfg LimiterConfig) *Limiter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMeterTimeout
	}
	if cfg.Window == nil {
		cfg.Window = NewMemoryWindowLimiter()
	}
	if cfg.Defaults == (developer.LimitDefaults{}) {
		cfg.Defaults = developer.DefaultLimitDefaults()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Limiter{
		store:    store,
		window:   cfg.Window,
		defaults: cfg.Defaults,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// CheckAndConsume admits one call of the given cost for developerID or denies it.
// The quota is checked first, then the rate window, and the monthly counter is
// incremented by a single conditional update so concurrent callers can never push
// it past monthly_limit. A denied call consumes nothing. Store failures and
// timeouts return ErrStoreUnavailable and a deny decision.
func (l *Limiter) CheckAndConsume(ctx context.Context, developerID string, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now().UTC()
	month := MonthTag(now)

	limit, err := l.loadLimit(ctx, developerID, now)
	if err != nil {
		return l.unavailable(developerID, err)
	}
	limit = Effective(limit, now)

	d := Decision{
		MonthlyLimit:  limit.MonthlyLimit,
		Used:          limit.CurrentMonthUsed,
		Remaining:     max(limit.MonthlyLimit-limit.CurrentMonthUsed, 0),
		RatePerMinute: limit.RateLimitPerMinute,
	}

	if limit.CurrentMonthUsed+cost > limit.MonthlyLimit {
		return l.deny(d, developer.ErrQuotaExceeded, NextMonth(now).Sub(now)), nil
	}

	res, err := l.window.Reserve(ctx, developerID, limit.RateLimitPerMinute)
	if err != nil {
		return l.unavailable(developerID, err)
	}
	d.RateRemaining = res.Remaining
	if !res.Allowed {
		return l.deny(d, developer.ErrRateLimited, res.ResetAt.Sub(now)), nil
	}

	ok, err := l.store.ConsumeQuota(ctx, developerID, month, cost, now)
	if err != nil {
		l.release(developerID, res.WindowStart)
		return l.unavailable(developerID, err)
	}
	if !ok {
		// Another caller took the remaining quota between the read and the update.
		l.release(developerID, res.WindowStart)
		d.Remaining = 0
		return l.deny(d, developer.ErrQuotaExceeded, NextMonth(now).Sub(now)), nil
	}

	d.Allowed = true
	d.Used += cost
	d.Remaining = max(d.MonthlyLimit-d.Used, 0)
	l.metrics.ObserveMeter("allowed")
	return d, nil
}

// loadLimit returns the developer's limits row, creating it with defaults when missing.
func (l *Limiter) loadLimit(ctx context.Context, developerID string, now time.Time) (developer.UsageLimit, error) {
	limit, err := l.store.GetUsageLimit(ctx, developerID)
	if !errors.Is(err, developer.ErrNotFound) {
		return limit, err
	}
	l.logger.Info("creating missing usage limits with defaults", zap.String("developer_id", developerID))
	if err := l.store.EnsureUsageLimit(ctx, developer.UsageLimit{
		DeveloperID:        developerID,
		MonthlyLimit:       l.defaults.MonthlyLimit,
		CurrentMonth:       MonthTag(now),
		RateLimitPerMinute: l.defaults.RateLimitPerMinute,
		UpdatedAt:          now,
	}); err != nil {
		return developer.UsageLimit{}, err
	}
	return l.store.GetUsageLimit(ctx, developerID)
}

func (l *Limiter) release(developerID string, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.window.Release(ctx, developerID, start); err != nil {
		l.logger.Warn("failed to release rate window reservation", zap.String("developer_id", developerID), zap.Error(err))
	}
}

func (l *Limiter) deny(d Decision, reason error, retryAfter time.Duration) Decision {
	d.Allowed = false
	d.Reason = reason
	d.RetryAfter = retryAfter
	l.metrics.ObserveMeter(developer.ErrorCode(reason))
	return d
}

func (l *Limiter) unavailable(developerID string, err error) (Decision, error) {
	l.logger.Error("usage limiter failed closed",
		zap.String("developer_id", developerID),
		zap.Bool("timeout", developer.IsTimeout(err)),
		zap.Error(err))
	l.metrics.ObserveMeter(developer.CodeStoreUnavailable)
	return Decision{Reason: developer.ErrStoreUnavailable}, developer.Unavailable(err)
}

// ResetMonthlyUsage zeroes the developer's counter for the current month. Idempotent.
func (l *Limiter) ResetMonthlyUsage(ctx context.Context, developerID string) error {
	now := l.now().UTC()
	if err := l.store.ResetMonthlyUsage(ctx, developerID, MonthTag(now), now); err != nil {
		return fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	return nil
}
