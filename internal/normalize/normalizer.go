// Package normalize converts platform-specific audit records into
// canonical ActivityEvents. It is the only place raw connector payloads
// are trusted enough to be parsed.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// ErrUnsupportedPlatform is returned for records from platforms without a
// registered field map, so callers can route unknown formats distinctly
// from malformed ones.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// MalformedRecordError reports a record missing a mandatory field or
// carrying an unparseable value. The record is rejected; the batch is not.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: field %q: %s", e.Field, e.Reason)
}

// FieldMap describes where a platform's audit records keep the canonical
// fields. Empty paths mean the platform does not supply that field.
type FieldMap struct {
	Timestamp    string
	ActorID      string
	ActorEmail   string
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
	ActionPrefix string
}

// Config holds configuration for the normalizer.
type Config struct {
	DefaultOrgID string `yaml:"default_org_id"`
}

// DefaultConfig returns the default normalizer configuration.
func DefaultConfig() Config {
	return Config{DefaultOrgID: "default"}
}

// Normalizer converts raw connector records to canonical activity events.
// Normalize is a pure transform with no side effects beyond ID generation.
type Normalizer struct {
	fieldMaps    map[schema.Platform]FieldMap
	validator    *schema.Validator
	defaultOrgID string
}

// New creates a Normalizer with the built-in platform field maps.
func New(cfg Config) *Normalizer {
	orgID := cfg.DefaultOrgID
	if orgID == "" {
		orgID = "default"
	}
	return &Normalizer{
		fieldMaps:    builtinFieldMaps(),
		validator:    schema.NewValidator(),
		defaultOrgID: orgID,
	}
}

// RegisterPlatform adds or replaces the field map for a platform.
// Adding a platform never requires modifying existing maps.
func (n *Normalizer) RegisterPlatform(platform schema.Platform, fm FieldMap) {
	n.fieldMaps[platform] = fm
}

// Normalize converts one raw record into a canonical ActivityEvent.
// It returns either a fully populated event or an error, never a
// partially populated event.
func (n *Normalizer) Normalize(raw map[string]any, platform schema.Platform) (*schema.ActivityEvent, error) {
	fm, ok := n.fieldMaps[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}

	ts, err := parseTimestamp(lookup(raw, fm.Timestamp))
	if err != nil {
		return nil, &MalformedRecordError{Field: fm.Timestamp, Reason: err.Error()}
	}

	actorID := asString(lookup(raw, fm.ActorID))
	if actorID == "" {
		return nil, &MalformedRecordError{Field: fm.ActorID, Reason: "actor identity missing"}
	}

	action := asString(lookup(raw, fm.Action))
	if action == "" {
		return nil, &MalformedRecordError{Field: fm.Action, Reason: "action missing"}
	}
	action = canonicalAction(fm.ActionPrefix, action)

	// Some exports put GUIDs or service principal names in the email
	// position; only real addresses survive, the actor ID carries the rest.
	actorEmail := asString(lookup(raw, fm.ActorEmail))
	if actorEmail != "" && !n.validator.IsEmail(actorEmail) {
		actorEmail = ""
	}

	event := &schema.ActivityEvent{
		EventID:       uuid.New(),
		Timestamp:     ts,
		Platform:      platform,
		ActorID:       actorID,
		ActorEmail:    actorEmail,
		Action:        action,
		ResourceType:  asString(lookup(raw, fm.ResourceType)),
		ResourceID:    asString(lookup(raw, fm.ResourceID)),
		IPAddress:     asString(lookup(raw, fm.IPAddress)),
		UserAgent:     asString(lookup(raw, fm.UserAgent)),
		RawMetadata:   copyMetadata(raw),
		SchemaVersion: schema.SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
		OrgID:         n.defaultOrgID,
	}

	if err := n.validator.Validate(event); err != nil {
		return nil, &MalformedRecordError{Field: "event", Reason: err.Error()}
	}

	return event, nil
}

// lookup resolves a dotted path inside a raw record.
func lookup(raw map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur any = raw
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// parseTimestamp accepts RFC3339 strings and unix second/millisecond
// numbers, the formats observed across connector exports.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, errors.New("timestamp missing")
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case float64:
		return fromUnix(t), nil
	case int64:
		return fromUnix(float64(t)), nil
	case int:
		return fromUnix(float64(t)), nil
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func fromUnix(v float64) time.Time {
	// Values past the year 33658 in seconds are millisecond epochs.
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// canonicalAction lowercases an action and maps separators into the
// canonical dotted format.
func canonicalAction(prefix, action string) string {
	s := strings.ToLower(strings.TrimSpace(action))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-', r == ':', r == '/':
			b.WriteRune('.')
		}
	}
	s = strings.Trim(b.String(), ".")
	if prefix != "" && !strings.HasPrefix(s, prefix+".") {
		s = prefix + "." + s
	}
	return s
}

func copyMetadata(raw map[string]any) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}
