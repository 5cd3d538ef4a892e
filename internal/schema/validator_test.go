package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func validEvent() *ActivityEvent {
	return &ActivityEvent{
		EventID:       uuid.New(),
		Timestamp:     time.Now().UTC().Add(-time.Minute),
		Platform:      PlatformSlack,
		ActorID:       "B012345",
		Action:        "message.posted",
		SchemaVersion: SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
		OrgID:         "default",
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*ActivityEvent)
		wantErr bool
	}{
		{
			name:    "valid event",
			mutate:  func(e *ActivityEvent) {},
			wantErr: false,
		},
		{
			name:    "missing actor",
			mutate:  func(e *ActivityEvent) { e.ActorID = "" },
			wantErr: true,
		},
		{
			name:    "missing action",
			mutate:  func(e *ActivityEvent) { e.Action = "" },
			wantErr: true,
		},
		{
			name:    "bad action format",
			mutate:  func(e *ActivityEvent) { e.Action = "Message Posted!" },
			wantErr: true,
		},
		{
			name:    "unknown platform",
			mutate:  func(e *ActivityEvent) { e.Platform = "myspace" },
			wantErr: true,
		},
		{
			name:    "bad email",
			mutate:  func(e *ActivityEvent) { e.ActorEmail = "not-an-email" },
			wantErr: true,
		},
		{
			name:    "bad ip",
			mutate:  func(e *ActivityEvent) { e.IPAddress = "999.999.1.1" },
			wantErr: true,
		},
		{
			name:    "future timestamp",
			mutate:  func(e *ActivityEvent) { e.Timestamp = time.Now().Add(time.Hour) },
			wantErr: true,
		},
		{
			name:    "too old",
			mutate:  func(e *ActivityEvent) { e.Timestamp = time.Now().Add(-60 * 24 * time.Hour) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent()
			tt.mutate(event)
			err := v.Validate(event)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAction(t *testing.T) {
	tests := []struct {
		action string
		valid  bool
	}{
		{"file.created", true},
		{"permission.share.external", true},
		{"app_install", true},
		{"File.Created", false},
		{"", false},
		{".leading.dot", false},
		{"trailing.", false},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if got := ValidateAction(tt.action); got != tt.valid {
				t.Errorf("ValidateAction(%q) = %v, want %v", tt.action, got, tt.valid)
			}
		})
	}
}

func TestClampConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-5, 0},
		{0, 0},
		{42.5, 42.5},
		{100, 100},
		{250, 100},
	}

	for _, tt := range tests {
		if got := ClampConfidence(tt.in); got != tt.want {
			t.Errorf("ClampConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
