package metering

import (
	"context"
	"sync"
	"time"

	"github.com/robotpdf/devkeys/internal/metrics"
	"go.uber.org/zap"
)

// StaleMonthResetter zeroes every counter whose month is not the given one.
type StaleMonthResetter interface {
	ResetStaleMonths(ctx context.Context, month string, now time.Time) (int64, error)
}

// RolloverWorker periodically zeroes counters left on a previous month so idle
// developers show a fresh month without waiting for their next call.
type RolloverWorker struct {
	store    StaleMonthResetter
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRolloverWorker creates a worker sweeping every interval.
func NewRolloverWorker(store StaleMonthResetter, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *RolloverWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RolloverWorker{store: store, interval: interval, metrics: m, logger: logger, now: time.Now}
}

// RunOnce performs one sweep and returns the number of counters reset.
func (w *RolloverWorker) RunOnce(ctx context.Context) (int64, error) {
	now := w.now().UTC()
	n, err := w.store.ResetStaleMonths(ctx, MonthTag(now), now)
	if err != nil {
		return 0, err
	}
	w.metrics.RolloverReset(n)
	if n > 0 {
		w.logger.Info("reset stale monthly usage counters", zap.Int64("count", n), zap.String("month", MonthTag(now)))
	}
	return n, nil
}

// Start sweeps once immediately and then every interval until Stop or ctx is done.
// A non-positive interval disables the worker.
func (w *RolloverWorker) Start(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("usage rollover sweep failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the worker and waits for it to exit.
func (w *RolloverWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
