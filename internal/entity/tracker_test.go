package entity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"shadowscan/internal/risk"
	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

var trackerBase = time.Date(2026, 8, 4, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(store Store, archiver Archiver) *Tracker {
	return NewTracker(DefaultConfig(), risk.NewAggregator(risk.DefaultConfig()), store, archiver, testLogger())
}

func trackerEvent(actor string, offset time.Duration) *schema.ActivityEvent {
	return &schema.ActivityEvent{
		EventID:   uuid.New(),
		Timestamp: trackerBase.Add(offset),
		Platform:  schema.PlatformSlack,
		ActorID:   actor,
		Action:    "message.posted",
	}
}

func trackerSignal(entityID string, confidence float64, offset time.Duration) schema.DetectionSignal {
	return schema.DetectionSignal{
		SignalID:   uuid.New(),
		SignalType: schema.SignalVelocity,
		EntityID:   entityID,
		Platform:   schema.PlatformSlack,
		Confidence: confidence,
		Timestamp:  trackerBase.Add(offset),
	}
}

// memEntityStore records saves for assertions.
type memEntityStore struct {
	mu    sync.Mutex
	saved []schema.AutomationEntity
}

func (m *memEntityStore) SaveEntity(_ context.Context, e *schema.AutomationEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, *e)
	return nil
}

type memArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (m *memArchiver) ArchiveEntity(_ context.Context, e *schema.AutomationEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, e.EntityID)
	return nil
}

func TestTracker_EntityCreatedOnFirstSignal(t *testing.T) {
	tr := newTestTracker(nil, nil)
	event := trackerEvent("B01", 0)

	// Observing an event alone tracks state but creates no entity record.
	tr.ObserveEvent(event)
	if tr.HasTarget(EntityID(event)) {
		t.Fatal("entity exists before any signal")
	}

	saved, err := tr.RecordSignals(context.Background(), event, []schema.DetectionSignal{
		trackerSignal(EntityID(event), 80, 0),
	})
	if err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}
	if saved == nil {
		t.Fatal("RecordSignals() returned nil entity")
	}
	if !tr.HasTarget(EntityID(event)) {
		t.Error("entity missing after first signal")
	}
	if saved.Risk == nil || saved.Risk.Level != schema.RiskMedium {
		t.Errorf("Risk = %+v, want medium for 80-confidence velocity", saved.Risk)
	}
}

func TestTracker_SignalHistoryAppendsAndRiskRecomputes(t *testing.T) {
	tr := newTestTracker(nil, nil)
	event := trackerEvent("B01", 0)
	id := EntityID(event)

	first, err := tr.RecordSignals(context.Background(), event, []schema.DetectionSignal{
		trackerSignal(id, 50, 0),
	})
	if err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}

	second, err := tr.RecordSignals(context.Background(), trackerEvent("B01", time.Minute), []schema.DetectionSignal{
		trackerSignal(id, 95, time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}

	if len(second.SignalHistory) != 2 {
		t.Fatalf("SignalHistory = %d, want 2", len(second.SignalHistory))
	}
	if second.Risk.Score <= first.Risk.Score {
		t.Errorf("risk did not rise with a stronger signal: %v -> %v", first.Risk.Score, second.Risk.Score)
	}
	if !second.SignalHistory[0].Timestamp.Before(second.SignalHistory[1].Timestamp) {
		t.Error("signal history not timestamp ordered")
	}
}

func TestTracker_NoSignalsNoEntity(t *testing.T) {
	tr := newTestTracker(nil, nil)

	saved, err := tr.RecordSignals(context.Background(), trackerEvent("B01", 0), nil)
	if err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}
	if saved != nil {
		t.Error("entity created without any signal")
	}
}

func TestTracker_GetUnknown(t *testing.T) {
	tr := newTestTracker(nil, nil)

	if _, err := tr.Get("slack:nobody"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("error = %v, want ErrEntityNotFound", err)
	}
}

func TestTracker_ArchiveInactiveAndReactivate(t *testing.T) {
	store := &memEntityStore{}
	archiver := &memArchiver{}
	tr := newTestTracker(store, archiver)

	event := trackerEvent("B01", 0)
	id := EntityID(event)
	if _, err := tr.RecordSignals(context.Background(), event, []schema.DetectionSignal{
		trackerSignal(id, 70, 0),
	}); err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}

	// Beyond retention the sweep archives but never deletes.
	n, err := tr.ArchiveInactive(context.Background(), trackerBase.Add(31*24*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveInactive() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1", n)
	}
	got, err := tr.Get(id)
	if err != nil {
		t.Fatalf("archived entity no longer queryable: %v", err)
	}
	if !got.Archived {
		t.Error("entity not marked archived")
	}
	if len(archiver.archived) != 1 || archiver.archived[0] != id {
		t.Errorf("archiver received %v, want [%s]", archiver.archived, id)
	}

	// A repeat sweep is a no-op.
	if n, _ := tr.ArchiveInactive(context.Background(), trackerBase.Add(32*24*time.Hour)); n != 0 {
		t.Errorf("second sweep archived %d, want 0", n)
	}

	// New signals reactivate the entity.
	late := trackerEvent("B01", 32*24*time.Hour)
	updated, err := tr.RecordSignals(context.Background(), late, []schema.DetectionSignal{
		trackerSignal(id, 70, 32*24*time.Hour),
	})
	if err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}
	if updated.Archived {
		t.Error("entity still archived after new signal")
	}
}

func TestTracker_SnapshotOrderedByRisk(t *testing.T) {
	tr := newTestTracker(nil, nil)

	low := trackerEvent("LOW", 0)
	high := trackerEvent("HIGH", 0)
	if _, err := tr.RecordSignals(context.Background(), low, []schema.DetectionSignal{
		trackerSignal(EntityID(low), 20, 0),
	}); err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}
	if _, err := tr.RecordSignals(context.Background(), high, []schema.DetectionSignal{
		trackerSignal(EntityID(high), 100, 0),
	}); err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}

	snaps := tr.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("Snapshot() = %d entities, want 2", len(snaps))
	}
	if snaps[0].EntityID != EntityID(high) {
		t.Errorf("Snapshot()[0] = %s, want the higher-risk entity first", snaps[0].EntityID)
	}
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := newTestTracker(nil, nil)
	event := trackerEvent("B01", 0)
	id := EntityID(event)
	if _, err := tr.RecordSignals(context.Background(), event, []schema.DetectionSignal{
		trackerSignal(id, 70, 0),
	}); err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}

	snap := tr.Snapshot()[0]
	snap.SignalHistory[0].Confidence = 1

	fresh, err := tr.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if fresh.SignalHistory[0].Confidence == 1 {
		t.Error("mutating a snapshot leaked into tracker state")
	}
}
