package metering

import (
	"context"
	"sync"
	"time"

	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/metrics"
	"go.uber.org/zap"
)

// RecorderConfig holds configuration for the usage recorder.
type RecorderConfig struct {
	Async         bool          // Buffer and batch writes (default: true via DefaultRecorderConfig)
	BufferSize    int           // Size of buffered channel (default: 1000)
	FlushInterval time.Duration // How often to flush entries (default: 2s)
	BatchSize     int           // Max events before flush (default: 100)
	WriteTimeout  time.Duration // Deadline for one store write (default: 5s)
}

// DefaultRecorderConfig returns default config.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Async:         true,
		BufferSize:    1000,
		FlushInterval: 2 * time.Second,
		BatchSize:     100,
		WriteTimeout:  5 * time.Second,
	}
}

type usageEvent struct {
	developerID string
	toolName    string
	outcome     developer.Outcome
	at          time.Time
}

type usageKey struct {
	developerID string
	toolName    string
	outcome     developer.Outcome
}

// UsageRecorder is the Usage Logger. Record never blocks the caller and never
// reports an error: in async mode events are queued and dropped when the buffer is
// full, and write failures are logged and counted.
type UsageRecorder struct {
	config   RecorderConfig
	store    developer.UsageLogStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	eventsCh chan usageEvent
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.RWMutex
	started  bool
	stopped  bool
}

// NewUsageRecorder creates a recorder writing to store.
func NewUsageRecorder(config RecorderConfig, store developer.UsageLogStore, m *metrics.Metrics, logger *zap.Logger) *UsageRecorder {
	cfg := config
	def := DefaultRecorderConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageRecorder{
		config:   cfg,
		store:    store,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		eventsCh: make(chan usageEvent, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background flush worker. It is a no-op in synchronous mode.
func (r *UsageRecorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.config.Async || r.started || r.stopped {
		return
	}
	r.started = true
	go r.run()
}

// Stop flushes queued events and stops the worker.
func (r *UsageRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if !started {
		return nil
	}

	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record logs one call of toolName by developerID.
func (r *UsageRecorder) Record(developerID, toolName string, outcome developer.Outcome) {
	if developerID == "" || toolName == "" {
		return
	}
	ev := usageEvent{developerID: developerID, toolName: toolName, outcome: outcome, at: r.now().UTC()}

	if !r.config.Async {
		r.write([]developer.UsageLogEntry{{
			DeveloperID: ev.developerID,
			ToolName:    ev.toolName,
			Outcome:     ev.outcome,
			UsageCount:  1,
			CreatedAt:   ev.at,
			LastUsedAt:  ev.at,
		}})
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		r.metrics.UsageLogDropped()
		return
	}
	select {
	case r.eventsCh <- ev:
	default:
		r.metrics.UsageLogDropped()
		r.logger.Debug("usage log buffer full, dropping event",
			zap.String("developer_id", developerID),
			zap.String("tool", toolName))
	}
}

func (r *UsageRecorder) write(entries []developer.UsageLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()
	if err := r.store.InsertUsageLogs(ctx, entries); err != nil {
		r.metrics.UsageLogFlushFailed()
		r.logger.Error("failed to write usage log", zap.Int("entries", len(entries)), zap.Error(err))
		return
	}
	r.metrics.UsageLogRecorded(len(entries))
}

func (r *UsageRecorder) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	pending := make(map[usageKey]*developer.UsageLogEntry)
	var order []usageKey
	eventCount := 0

	add := func(ev usageEvent) {
		k := usageKey{developerID: ev.developerID, toolName: ev.toolName, outcome: ev.outcome}
		if e, ok := pending[k]; ok {
			e.UsageCount++
			if ev.at.After(e.LastUsedAt) {
				e.LastUsedAt = ev.at
			}
		} else {
			pending[k] = &developer.UsageLogEntry{
				DeveloperID: ev.developerID,
				ToolName:    ev.toolName,
				Outcome:     ev.outcome,
				UsageCount:  1,
				CreatedAt:   ev.at,
				LastUsedAt:  ev.at,
			}
			order = append(order, k)
		}
		eventCount++
	}

	flush := func() {
		if eventCount == 0 {
			return
		}
		batch := make([]developer.UsageLogEntry, 0, len(order))
		for _, k := range order {
			batch = append(batch, *pending[k])
		}
		pending = make(map[usageKey]*developer.UsageLogEntry)
		order = nil
		eventCount = 0
		r.write(batch)
	}

	for {
		select {
		case <-r.stopCh:
			// Drain queued events before the final flush.
			for {
				select {
				case ev := <-r.eventsCh:
					add(ev)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-r.eventsCh:
			add(ev)
			if eventCount >= r.config.BatchSize {
				flush()
			}
		}
	}
}
