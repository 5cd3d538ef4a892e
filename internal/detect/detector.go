// Package detect implements the pattern detectors that turn normalized
// activity into risk signals. Detectors are registered into an open
// registry; adding one never requires modifying the others.
package detect

import (
	"log/slog"
	"sort"
	"time"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// EntityState carries entity-local state across evaluation batches.
// It is owned by a single pipeline worker at a time and never shared.
type EntityState struct {
	EntityID    string
	Platform    schema.Platform
	FirstSeen   time.Time
	LastSeen    time.Time
	KnownScopes map[string]struct{}
}

// NewEntityState creates fresh state for a newly observed entity.
func NewEntityState(entityID string, platform schema.Platform, firstSeen time.Time) *EntityState {
	return &EntityState{
		EntityID:    entityID,
		Platform:    platform,
		FirstSeen:   firstSeen,
		LastSeen:    firstSeen,
		KnownScopes: make(map[string]struct{}),
	}
}

// Detector is the common contract for all pattern detectors.
// Evaluate consumes a per-entity event window plus entity state and emits
// zero or more signals. Implementations read thresholds from the snapshot
// passed in, never from shared mutable state.
type Detector interface {
	Name() string
	SignalType() schema.SignalType
	Evaluate(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal
}

// Registry holds registered detectors in registration order.
type Registry struct {
	detectors []Detector
	logger    *slog.Logger
}

// NewRegistry creates an empty detector registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// NewDefaultRegistry creates a registry with all built-in detectors.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewVelocityDetector())
	r.Register(NewAIProviderDetector())
	r.Register(NewBatchOperationDetector())
	r.Register(NewOffHoursDetector())
	r.Register(NewPermissionEscalationDetector())
	r.Register(NewDataVolumeDetector())
	return r
}

// Register adds a detector to the registry.
func (r *Registry) Register(d Detector) {
	r.detectors = append(r.detectors, d)
	r.logger.Info("registered detector", "detector", d.Name(), "signal_type", d.SignalType())
}

// Detectors returns the registered detectors in registration order.
func (r *Registry) Detectors() []Detector {
	return r.detectors
}

// EvaluateAll runs every registered detector over the window. A panicking
// detector is isolated: its output for this window is omitted and the
// failure is logged, but the remaining detectors still run.
func (r *Registry) EvaluateAll(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal {
	if len(window) == 0 {
		return nil
	}

	// Detectors see events in timestamp order so replayed batches produce
	// identical results.
	sorted := make([]schema.ActivityEvent, len(window))
	copy(sorted, window)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var signals []schema.DetectionSignal
	for _, d := range r.detectors {
		signals = append(signals, r.evaluateOne(d, sorted, state, th)...)
	}
	return signals
}

func (r *Registry) evaluateOne(d Detector, window []schema.ActivityEvent, state *EntityState, th *Thresholds) (signals []schema.DetectionSignal) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("detector panicked, omitting its signals",
				"detector", d.Name(),
				"entity_id", state.EntityID,
				"panic", rec,
			)
			signals = nil
		}
	}()

	signals = d.Evaluate(window, state, th)
	for i := range signals {
		signals[i].Confidence = schema.ClampConfidence(signals[i].Confidence)
	}
	return signals
}

// eventIDs collects the event IDs of a window slice for signal evidence.
func eventIDs(events []schema.ActivityEvent) []uuid.UUID {
	ids := make([]uuid.UUID, len(events))
	for i := range events {
		ids[i] = events[i].EventID
	}
	return ids
}
