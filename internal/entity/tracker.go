// Package entity tracks the automation entities under observation:
// their detector state, signal history, and current risk.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shadowscan/internal/detect"
	"shadowscan/internal/risk"
	"shadowscan/internal/schema"
)

// ErrEntityNotFound means no tracked entity matches the identifier.
var ErrEntityNotFound = errors.New("entity not found")

// Store persists entity snapshots. Saves are upserts keyed on entity ID.
type Store interface {
	SaveEntity(ctx context.Context, e *schema.AutomationEntity) error
}

// Archiver receives entities aged out of the active set. Archival is a
// copy-out, never a delete; archived entities stay queryable.
type Archiver interface {
	ArchiveEntity(ctx context.Context, e *schema.AutomationEntity) error
}

// Config holds tracker tuning.
type Config struct {
	// Retention is how long an entity may stay inactive before the
	// archival sweep marks it archived.
	Retention time.Duration `yaml:"retention"`
	// DefaultOrgID stamps entities whose events carry no organization.
	DefaultOrgID string `yaml:"default_org_id"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{Retention: 30 * 24 * time.Hour, DefaultOrgID: "default"}
}

// tracked pairs the durable entity record with its detector-local state.
type tracked struct {
	entity schema.AutomationEntity
	state  *detect.EntityState
}

// Tracker owns all tracked entities. Each entity is processed by one
// pipeline worker at a time, so per-entity access needs no lock of its
// own; the tracker's mutex only guards the map itself.
type Tracker struct {
	cfg        Config
	logger     *slog.Logger
	aggregator *risk.Aggregator
	store      Store    // optional
	archiver   Archiver // optional

	mu      sync.RWMutex
	tracked map[string]*tracked
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config, aggregator *risk.Aggregator, store Store, archiver Archiver, logger *slog.Logger) *Tracker {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:        cfg,
		logger:     logger,
		aggregator: aggregator,
		store:      store,
		archiver:   archiver,
		tracked:    make(map[string]*tracked),
	}
}

// EntityID derives the tracker key for an event's actor.
func EntityID(event *schema.ActivityEvent) string {
	return fmt.Sprintf("%s:%s", event.Platform, event.ActorID)
}

// ObserveEvent returns the detector state for the event's entity,
// creating it on first sight, and advances last-seen bookkeeping.
func (t *Tracker) ObserveEvent(event *schema.ActivityEvent) *detect.EntityState {
	id := EntityID(event)

	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracked[id]
	if !ok {
		tr = &tracked{
			state: detect.NewEntityState(id, event.Platform, event.Timestamp),
		}
		t.tracked[id] = tr
	}
	if event.Timestamp.After(tr.state.LastSeen) {
		tr.state.LastSeen = event.Timestamp
	}
	if event.Timestamp.Before(tr.state.FirstSeen) {
		tr.state.FirstSeen = event.Timestamp
	}
	return tr.state
}

// RecordSignals appends new signals to the entity's history and
// recomputes its risk from the full signal set. The entity record itself
// is created on the first signal, not the first event; an archived
// entity producing new signals comes back out of the archive.
func (t *Tracker) RecordSignals(ctx context.Context, event *schema.ActivityEvent, signals []schema.DetectionSignal) (*schema.AutomationEntity, error) {
	if len(signals) == 0 {
		return nil, nil
	}
	id := EntityID(event)

	t.mu.Lock()
	tr, ok := t.tracked[id]
	if !ok {
		tr = &tracked{
			state: detect.NewEntityState(id, event.Platform, event.Timestamp),
		}
		t.tracked[id] = tr
	}

	if tr.entity.EntityID == "" {
		orgID := event.OrgID
		if orgID == "" {
			orgID = t.cfg.DefaultOrgID
		}
		tr.entity = schema.AutomationEntity{
			EntityID:  id,
			Platform:  event.Platform,
			Name:      entityName(event),
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
			OrgID:     orgID,
		}
		t.logger.Info("tracking new automation entity", "entity_id", id, "platform", event.Platform)
	}

	tr.entity.SignalHistory = append(tr.entity.SignalHistory, signals...)
	sort.SliceStable(tr.entity.SignalHistory, func(i, j int) bool {
		return tr.entity.SignalHistory[i].Timestamp.Before(tr.entity.SignalHistory[j].Timestamp)
	})
	if event.Timestamp.After(tr.entity.LastSeen) {
		tr.entity.LastSeen = event.Timestamp
	}
	tr.entity.Archived = false

	assessment := t.aggregator.Aggregate(tr.entity.SignalHistory)
	tr.entity.Risk = &assessment

	snapshot := cloneEntity(&tr.entity)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveEntity(ctx, snapshot); err != nil {
			return snapshot, fmt.Errorf("save entity %s: %w", id, err)
		}
	}
	return snapshot, nil
}

// Get returns a snapshot of one tracked entity.
func (t *Tracker) Get(entityID string) (*schema.AutomationEntity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tr, ok := t.tracked[entityID]
	if !ok || tr.entity.EntityID == "" {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return cloneEntity(&tr.entity), nil
}

// HasTarget reports whether an entity exists for feedback routing.
func (t *Tracker) HasTarget(targetID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tr, ok := t.tracked[targetID]
	return ok && tr.entity.EntityID != ""
}

// Snapshot returns copies of all entities with at least one signal,
// ordered by risk score descending.
func (t *Tracker) Snapshot() []schema.AutomationEntity {
	t.mu.RLock()
	out := make([]schema.AutomationEntity, 0, len(t.tracked))
	for _, tr := range t.tracked {
		if tr.entity.EntityID == "" {
			continue
		}
		out = append(out, *cloneEntity(&tr.entity))
	}
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		var si, sj float64
		if out[i].Risk != nil {
			si = out[i].Risk.Score
		}
		if out[j].Risk != nil {
			sj = out[j].Risk.Score
		}
		if si != sj {
			return si > sj
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// ArchiveInactive marks entities unseen for the retention window as
// archived and hands them to the archiver. Entities are never removed
// from the tracker; archived ones reactivate on their next signal.
func (t *Tracker) ArchiveInactive(ctx context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	var due []*schema.AutomationEntity
	for _, tr := range t.tracked {
		if tr.entity.EntityID == "" || tr.entity.Archived {
			continue
		}
		if now.Sub(tr.entity.LastSeen) > t.cfg.Retention {
			tr.entity.Archived = true
			due = append(due, cloneEntity(&tr.entity))
		}
	}
	t.mu.Unlock()

	for _, e := range due {
		if t.archiver != nil {
			if err := t.archiver.ArchiveEntity(ctx, e); err != nil {
				return len(due), fmt.Errorf("archive entity %s: %w", e.EntityID, err)
			}
		}
		if t.store != nil {
			if err := t.store.SaveEntity(ctx, e); err != nil {
				return len(due), fmt.Errorf("save archived entity %s: %w", e.EntityID, err)
			}
		}
		t.logger.Info("archived inactive entity", "entity_id", e.EntityID, "last_seen", e.LastSeen)
	}
	return len(due), nil
}

// Stats returns tracker counters.
func (t *Tracker) Stats() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var entities, archived int
	for _, tr := range t.tracked {
		if tr.entity.EntityID == "" {
			continue
		}
		entities++
		if tr.entity.Archived {
			archived++
		}
	}
	return map[string]any{
		"observed": len(t.tracked),
		"entities": entities,
		"archived": archived,
	}
}

func entityName(event *schema.ActivityEvent) string {
	if event.ActorEmail != "" {
		return event.ActorEmail
	}
	return event.ActorID
}

func cloneEntity(e *schema.AutomationEntity) *schema.AutomationEntity {
	c := *e
	c.SignalHistory = append([]schema.DetectionSignal(nil), e.SignalHistory...)
	if e.Risk != nil {
		r := *e.Risk
		r.ContributingSignals = append([]schema.DetectionSignal(nil), e.Risk.ContributingSignals...)
		r.Recommendations = append([]string(nil), e.Risk.Recommendations...)
		c.Risk = &r
	}
	return &c
}
