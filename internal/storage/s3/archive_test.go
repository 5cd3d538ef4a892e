package s3

import (
	"strings"
	"testing"
	"time"

	"shadowscan/internal/schema"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing region", func(c *Config) { c.Region = "" }, true},
		{"missing bucket", func(c *Config) { c.Bucket = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	a := &Archiver{cfg: DefaultConfig()}
	e := &schema.AutomationEntity{
		EntityID: "slack:B01/23",
		Platform: schema.PlatformSlack,
		OrgID:    "acme",
		LastSeen: time.Date(2026, 8, 4, 10, 0, 0, 0, time.UTC),
	}

	key := a.objectKey(e)
	if !strings.HasPrefix(key, "entities/acme/slack/2026/08/04/") {
		t.Errorf("objectKey() = %q, wrong prefix layout", key)
	}
	if strings.Contains(strings.TrimPrefix(key, "entities/acme/slack/2026/08/04/"), "/") {
		t.Errorf("objectKey() = %q, entity id separator leaked into key path", key)
	}
	if !strings.HasSuffix(key, ".json.gz") {
		t.Errorf("objectKey() = %q, want .json.gz suffix", key)
	}
}

func TestStorageClassMapping(t *testing.T) {
	cfg := DefaultConfig()

	cfg.StorageClass = "glacier"
	if got := cfg.storageClass(); string(got) != "GLACIER" {
		t.Errorf("storageClass() = %v, want GLACIER", got)
	}
	cfg.StorageClass = "unknown"
	if got := cfg.storageClass(); string(got) != "STANDARD" {
		t.Errorf("storageClass() = %v, want STANDARD fallback", got)
	}
}
