package schema

import (
	"time"

	"github.com/google/uuid"
)

// SignalType identifies which detector produced a signal.
type SignalType string

const (
	SignalVelocity             SignalType = "velocity"
	SignalAIProvider           SignalType = "ai_provider"
	SignalBatchOperation       SignalType = "batch_operation"
	SignalOffHours             SignalType = "off_hours"
	SignalPermissionEscalation SignalType = "permission_escalation"
	SignalDataVolume           SignalType = "data_volume"
)

// IsValid checks if the signal type is a known value.
func (s SignalType) IsValid() bool {
	switch s {
	case SignalVelocity, SignalAIProvider, SignalBatchOperation,
		SignalOffHours, SignalPermissionEscalation, SignalDataVolume:
		return true
	}
	return false
}

// DetectionSignal is one detector's finding about an entity.
// Signals are immutable and appended to the owning entity's history.
type DetectionSignal struct {
	SignalID       uuid.UUID      `json:"signal_id"`
	SignalType     SignalType     `json:"signal_type"`
	EntityID       string         `json:"entity_id"`
	Platform       Platform       `json:"platform"`
	Confidence     float64        `json:"confidence"` // 0-100
	Evidence       map[string]any `json:"evidence,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	SourceEventIDs []uuid.UUID    `json:"source_event_ids,omitempty"`
}

// ClampConfidence bounds a confidence value to [0, 100].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
