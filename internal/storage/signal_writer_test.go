package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"shadowscan/internal/schema"
)

func testWriterLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(cfg SignalWriterConfig, insert func([]schema.DetectionSignal) error) *SignalWriter {
	w := NewSignalWriter(nil, cfg, testWriterLogger())
	w.insert = insert
	return w
}

func TestSignalWriter_SlowFlushDoesNotBlockProducers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w := newTestWriter(SignalWriterConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    10 * time.Millisecond,
	}, func([]schema.DetectionSignal) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	// Fill the batch; the triggered flush parks inside the insert.
	flushDone := make(chan error, 1)
	go func() {
		flushDone <- w.SaveSignals(context.Background(), make([]schema.DetectionSignal, 2))
	}()
	<-entered

	// New signals keep landing in the buffer while the flush is in flight.
	saved := make(chan error, 1)
	go func() {
		saved <- w.SaveSignals(context.Background(), make([]schema.DetectionSignal, 1))
	}()
	select {
	case err := <-saved:
		if err != nil {
			t.Fatalf("SaveSignals() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer blocked behind an in-flight flush")
	}

	close(release)
	if err := <-flushDone; err != nil {
		t.Fatalf("flush error = %v", err)
	}

	m := w.Metrics()
	if m.Written != 2 {
		t.Errorf("Written = %d, want 2", m.Written)
	}
	if m.Pending != 1 {
		t.Errorf("Pending = %d, want 1", m.Pending)
	}
}

func TestSignalWriter_ExhaustedRetriesCountFailures(t *testing.T) {
	w := newTestWriter(SignalWriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	}, func([]schema.DetectionSignal) error {
		return errors.New("connection refused")
	})

	if err := w.SaveSignals(context.Background(), make([]schema.DetectionSignal, 3)); err != nil {
		t.Fatalf("SaveSignals() error = %v", err)
	}
	err := w.Flush()
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Fatalf("Flush() error = %v, want ErrBatchInsertFailed", err)
	}

	m := w.Metrics()
	if m.Failed != 3 {
		t.Errorf("Failed = %d, want 3", m.Failed)
	}
	if m.Written != 0 || m.Pending != 0 {
		t.Errorf("Written/Pending = %d/%d, want 0/0", m.Written, m.Pending)
	}
}

func TestSignalWriter_CloseFlushesRemaining(t *testing.T) {
	var (
		mu       sync.Mutex
		inserted int
	)
	w := newTestWriter(SignalWriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	}, func(signals []schema.DetectionSignal) error {
		mu.Lock()
		inserted += len(signals)
		mu.Unlock()
		return nil
	})

	if err := w.SaveSignals(context.Background(), make([]schema.DetectionSignal, 5)); err != nil {
		t.Fatalf("SaveSignals() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if inserted != 5 {
		t.Errorf("inserted = %d, want 5", inserted)
	}
	if err := w.SaveSignals(context.Background(), make([]schema.DetectionSignal, 1)); err == nil {
		t.Error("SaveSignals() after Close returned nil error")
	}
}
