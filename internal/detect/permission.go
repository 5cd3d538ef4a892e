package detect

import (
	"sort"
	"strings"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// PermissionEscalationDetector compares the scope set an entity requests
// or is granted against the scope set historically observed for it. Any
// previously unseen scope triggers a signal listing the new scopes.
type PermissionEscalationDetector struct{}

// NewPermissionEscalationDetector creates a PermissionEscalationDetector.
func NewPermissionEscalationDetector() *PermissionEscalationDetector {
	return &PermissionEscalationDetector{}
}

func (d *PermissionEscalationDetector) Name() string { return "permission_escalation" }
func (d *PermissionEscalationDetector) SignalType() schema.SignalType {
	return schema.SignalPermissionEscalation
}

// Evaluate scans the window for scope grants, diffs them against the
// entity's known scope set, and records the union back into entity state.
func (d *PermissionEscalationDetector) Evaluate(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal {
	var (
		newScopes []string
		seen      = make(map[string]struct{})
		sources   []schema.ActivityEvent
	)

	for _, event := range window {
		scopes := extractScopes(&event)
		if len(scopes) == 0 {
			continue
		}
		added := false
		for _, scope := range scopes {
			if _, known := state.KnownScopes[scope]; known {
				continue
			}
			state.KnownScopes[scope] = struct{}{}
			if _, dup := seen[scope]; !dup {
				seen[scope] = struct{}{}
				newScopes = append(newScopes, scope)
			}
			added = true
		}
		if added {
			sources = append(sources, event)
		}
	}

	// The first grant ever observed establishes the baseline; only
	// expansions beyond an existing baseline are escalations.
	if len(newScopes) == 0 || len(state.KnownScopes) == len(newScopes) {
		return nil
	}

	sort.Strings(newScopes)
	confidence := schema.ClampConfidence(70 + float64(len(newScopes))*5)

	return []schema.DetectionSignal{{
		SignalID:   uuid.New(),
		SignalType: schema.SignalPermissionEscalation,
		EntityID:   state.EntityID,
		Platform:   state.Platform,
		Confidence: confidence,
		Timestamp:  sources[len(sources)-1].Timestamp,
		Evidence: map[string]any{
			"new_scopes":  newScopes,
			"known_count": len(state.KnownScopes) - len(newScopes),
		},
		SourceEventIDs: eventIDs(sources),
	}}
}

// extractScopes pulls the scope list from a grant event's metadata.
// Connectors supply either a list or a space/comma separated string.
func extractScopes(event *schema.ActivityEvent) []string {
	if event.RawMetadata == nil {
		return nil
	}

	switch v := event.RawMetadata["scopes"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		return splitScopes(v)
	}

	if s := event.MetadataString("scope"); s != "" {
		return splitScopes(s)
	}
	return nil
}

func splitScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
