package metering

import (
	"context"
	"sync"
	"time"
)

// WindowDuration is the length of one rate-limit bucket.
const WindowDuration = time.Minute

// Reservation is the result of WindowLimiter.Reserve.
type Reservation struct {
	Allowed     bool
	Remaining   int
	WindowStart time.Time
	ResetAt     time.Time
}

// WindowLimiter enforces a per-developer ceiling of calls per fixed one-minute bucket.
// Reserve counts a call only when it is allowed; Release gives back a reservation
// whose call did not go through.
type WindowLimiter interface {
	Reserve(ctx context.Context, developerID string, limit int) (Reservation, error)
	Release(ctx context.Context, developerID string, windowStart time.Time) error
	Remaining(ctx context.Context, developerID string, limit int) (int, error)
}

// windowStart returns the bucket that contains t.
func windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(WindowDuration)
}

type windowCount struct {
	start time.Time
	count int
}

// MemoryWindowLimiter is a process-local fixed-window limiter.
type MemoryWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowCount
	now     func() time.Time
	sweepAt time.Time
}

// NewMemoryWindowLimiter creates an empty in-memory limiter.
func NewMemoryWindowLimiter() *MemoryWindowLimiter {
	return &MemoryWindowLimiter{
		windows: make(map[string]*windowCount),
		now:     time.Now,
	}
}

// Reserve counts a call in the current bucket if fewer than limit calls were counted.
func (m *MemoryWindowLimiter) Reserve(_ context.Context, developerID string, limit int) (Reservation, error) {
	start := windowStart(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(start)

	w := m.windows[developerID]
	if w == nil || !w.start.Equal(start) {
		w = &windowCount{start: start}
		m.windows[developerID] = w
	}

	res := Reservation{WindowStart: start, ResetAt: start.Add(WindowDuration)}
	if w.count >= limit {
		return res, nil
	}
	w.count++
	res.Allowed = true
	res.Remaining = limit - w.count
	return res, nil
}

// Release uncounts one call from the bucket starting at windowStart.
func (m *MemoryWindowLimiter) Release(_ context.Context, developerID string, windowStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w := m.windows[developerID]; w != nil && w.start.Equal(windowStart) && w.count > 0 {
		w.count--
	}
	return nil
}

// Remaining reports how many calls are left in the current bucket.
func (m *MemoryWindowLimiter) Remaining(_ context.Context, developerID string, limit int) (int, error) {
	start := windowStart(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[developerID]
	if w == nil || !w.start.Equal(start) {
		return limit, nil
	}
	return max(limit-w.count, 0), nil
}

// sweepLocked drops expired buckets at most once per window.
func (m *MemoryWindowLimiter) sweepLocked(start time.Time) {
	if !start.After(m.sweepAt) {
		return
	}
	for id, w := range m.windows {
		if w.start.Before(start) {
			delete(m.windows, id)
		}
	}
	m.sweepAt = start
}
