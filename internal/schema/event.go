// Package schema defines the canonical activity schema for shadowscan.
// All connector records are normalized to this structure before detection.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies a connected SaaS platform.
type Platform string

const (
	PlatformSlack           Platform = "slack"
	PlatformGoogleWorkspace Platform = "google_workspace"
	PlatformMicrosoft365    Platform = "microsoft365"
	PlatformOkta            Platform = "okta"
	PlatformGitHub          Platform = "github"
)

// IsValid checks if the platform is a supported value.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformSlack, PlatformGoogleWorkspace, PlatformMicrosoft365, PlatformOkta, PlatformGitHub:
		return true
	}
	return false
}

// ActivityEvent represents the canonical activity record format.
// All connector records are normalized to this structure. Events are
// immutable once created; downstream components never mutate them.
type ActivityEvent struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Platform  Platform  `json:"platform" validate:"required,platform"`
	ActorID   string    `json:"actor_id" validate:"required,max=256"`
	Action    string    `json:"action" validate:"required,action_format"`

	// Optional fields
	ActorEmail   string         `json:"actor_email,omitempty" validate:"omitempty,email"`
	ResourceType string         `json:"resource_type,omitempty" validate:"max=128"`
	ResourceID   string         `json:"resource_id,omitempty" validate:"max=512"`
	IPAddress    string         `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent    string         `json:"user_agent,omitempty" validate:"max=1024"`
	RawMetadata  map[string]any `json:"raw_metadata,omitempty"`

	// Internal fields (set by system)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
	OrgID         string    `json:"org_id"`
}

// MetadataString returns a string value from RawMetadata, or empty when
// the key is absent or not a string.
func (e *ActivityEvent) MetadataString(key string) string {
	if e.RawMetadata == nil {
		return ""
	}
	if v, ok := e.RawMetadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SchemaVersionCurrent is the current version of the activity schema.
const SchemaVersionCurrent = "1.0.0"
