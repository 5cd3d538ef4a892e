package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shadowscan/internal/schema"
)

// SignalWriterConfig holds configuration for the signal batch writer.
type SignalWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultSignalWriterConfig returns the default signal writer settings.
func DefaultSignalWriterConfig() SignalWriterConfig {
	return SignalWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// SignalWriter batches detection signal inserts. Signals are high-volume
// relative to entities and chains, so they go through batched writes
// instead of row-at-a-time inserts.
type SignalWriter struct {
	client *ClickHouseClient
	config SignalWriterConfig
	logger *slog.Logger
	insert func([]schema.DetectionSignal) error

	mu     sync.Mutex
	buffer []schema.DetectionSignal
	closed bool

	flushTimer *time.Timer

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewSignalWriter creates a SignalWriter and starts its flush timer.
func NewSignalWriter(client *ClickHouseClient, cfg SignalWriterConfig, logger *slog.Logger) *SignalWriter {
	if cfg.BatchSize <= 0 {
		cfg = DefaultSignalWriterConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &SignalWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]schema.DetectionSignal, 0, cfg.BatchSize),
	}
	w.insert = w.insertBatch
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// SaveSignals appends signals to the pending batch, flushing when full.
func (w *SignalWriter) SaveSignals(_ context.Context, signals []schema.DetectionSignal) error {
	if len(signals) == 0 {
		return nil
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("signal writer is closed")
	}
	w.buffer = append(w.buffer, signals...)
	var batch []schema.DetectionSignal
	if len(w.buffer) >= w.config.BatchSize {
		batch = w.takeLocked()
	}
	w.mu.Unlock()

	return w.writeBatch(batch)
}

func (w *SignalWriter) timerFlush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	batch := w.takeLocked()
	w.flushTimer.Reset(w.config.FlushInterval)
	w.mu.Unlock()

	if err := w.writeBatch(batch); err != nil {
		w.logger.Error("signal flush failed", "error", err)
	}
}

// takeLocked swaps out the pending buffer. Caller holds the lock.
func (w *SignalWriter) takeLocked() []schema.DetectionSignal {
	if len(w.buffer) == 0 {
		return nil
	}
	batch := w.buffer
	w.buffer = make([]schema.DetectionSignal, 0, w.config.BatchSize)
	return batch
}

// writeBatch inserts one batch with retries. It runs outside the buffer
// lock: a backoff sleep must never stall producers appending new signals.
func (w *SignalWriter) writeBatch(signals []schema.DetectionSignal) error {
	if len(signals) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}
		if err := w.insert(signals); err != nil {
			lastErr = err
			w.logger.Warn("signal batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}
		atomic.AddUint64(&w.totalWritten, uint64(len(signals)))
		atomic.AddUint64(&w.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&w.totalFailed, uint64(len(signals)))
	return fmt.Errorf("%w: %d signals after %d retries: %v",
		ErrBatchInsertFailed, len(signals), w.config.MaxRetries, lastErr)
}

func (w *SignalWriter) insertBatch(signals []schema.DetectionSignal) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO detection_signals (
			signal_id, signal_type, entity_id, platform,
			confidence, timestamp, evidence, source_event_ids
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i := range signals {
		sig := &signals[i]
		evidence, _ := json.Marshal(sig.Evidence)

		if err := batch.Append(
			sig.SignalID,
			string(sig.SignalType),
			sig.EntityID,
			string(sig.Platform),
			sig.Confidence,
			sig.Timestamp,
			string(evidence),
			sig.SourceEventIDs,
		); err != nil {
			return fmt.Errorf("append signal: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	w.logger.Debug("signal batch inserted", "count", len(signals))
	return nil
}

// Flush forces a flush of the pending buffer.
func (w *SignalWriter) Flush() error {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()
	return w.writeBatch(batch)
}

// Close stops the timer and flushes remaining signals.
func (w *SignalWriter) Close() error {
	w.flushTimer.Stop()

	w.mu.Lock()
	w.closed = true
	batch := w.takeLocked()
	w.mu.Unlock()
	return w.writeBatch(batch)
}

// Metrics returns writer statistics.
func (w *SignalWriter) Metrics() SignalWriterMetrics {
	w.mu.Lock()
	pending := len(w.buffer)
	w.mu.Unlock()

	return SignalWriterMetrics{
		Written: atomic.LoadUint64(&w.totalWritten),
		Failed:  atomic.LoadUint64(&w.totalFailed),
		Batches: atomic.LoadUint64(&w.batchCount),
		Pending: pending,
	}
}

// SignalWriterMetrics holds signal writer statistics.
type SignalWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
