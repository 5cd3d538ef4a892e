package schema

import "time"

// RiskLevel buckets a risk score into an operator-facing severity band.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsValid checks if the risk level is a known value.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// RiskAssessment is the aggregated risk picture for one entity.
// It is recomputed in full from the entity's signal set each time the
// set changes; it is never patched incrementally.
type RiskAssessment struct {
	Score               float64           `json:"score"` // 0-100
	Level               RiskLevel         `json:"level"`
	ContributingSignals []DetectionSignal `json:"contributing_signals,omitempty"`
	Recommendations     []string          `json:"recommendations,omitempty"`
	ComputedAt          time.Time         `json:"computed_at"`
}

// AutomationEntity is a tracked bot, script, or workflow connector.
// Entities are never hard-deleted, only archived after a retention window.
type AutomationEntity struct {
	EntityID      string            `json:"entity_id"`
	Platform      Platform          `json:"platform"`
	Name          string            `json:"name,omitempty"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastSeen      time.Time         `json:"last_seen"`
	SignalHistory []DetectionSignal `json:"signal_history,omitempty"`
	Risk          *RiskAssessment   `json:"risk,omitempty"`
	Archived      bool              `json:"archived"`
	OrgID         string            `json:"org_id"`
}
