package schema

import (
	"time"

	"github.com/google/uuid"
)

// ChainState tracks a correlation candidate's lifecycle.
type ChainState string

const (
	ChainSeed      ChainState = "seed"
	ChainGrowing   ChainState = "growing"
	ChainConfirmed ChainState = "confirmed"
	ChainExpired   ChainState = "expired"
)

// LinkType identifies how an event was linked into a chain, strongest first.
type LinkType string

const (
	LinkSharedResource LinkType = "shared_resource"
	LinkSharedURL      LinkType = "shared_url"
	LinkTemporal       LinkType = "temporal"
)

// WorkflowChain is a correlated event sequence spanning one or more
// platforms, suspected of being a single automated workflow.
type WorkflowChain struct {
	ChainID               uuid.UUID       `json:"chain_id"`
	Platforms             []Platform      `json:"platforms"` // ordered, always >= 1
	TriggerEvent          ActivityEvent   `json:"trigger_event"`
	ActionEvents          []ActivityEvent `json:"action_events,omitempty"`
	CorrelationConfidence float64         `json:"correlation_confidence"` // 0-1
	RiskLevel             RiskLevel       `json:"risk_level"`
	State                 ChainState      `json:"state"`
	CorrelationKey        string          `json:"correlation_key"`
	StrongestLink         LinkType        `json:"strongest_link"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// EventCount returns the total number of events in the chain including
// the trigger.
func (c *WorkflowChain) EventCount() int {
	return 1 + len(c.ActionEvents)
}
