// Package s3 archives inactive automation entities to object storage.
// Archival is a copy-out for long-term retention; entities are never
// deleted from the engine's own records.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"shadowscan/internal/schema"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection and archival settings.
type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint for S3-compatible storage.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials; IAM is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass string `yaml:"storage_class"`

	// UsePathStyle forces path-style addressing for MinIO and friends.
	UsePathStyle bool `yaml:"use_path_style"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns default archival settings.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Bucket:           "shadowscan-archive",
		Prefix:           "entities/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
		Timeout:          time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

func (c Config) storageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	default:
		return types.StorageClassStandard
	}
}

// Archiver writes gzipped entity snapshots to S3.
type Archiver struct {
	client *s3.Client
	cfg    Config
	logger *slog.Logger

	archived atomic.Int64
	failures atomic.Int64
}

// NewArchiver creates an Archiver.
func NewArchiver(ctx context.Context, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Archiver{client: client, cfg: cfg, logger: logger}, nil
}

// ArchiveEntity uploads one entity snapshot. The object key encodes
// organization, platform, and archival date so retention policies can
// operate on prefixes.
func (a *Archiver) ArchiveEntity(ctx context.Context, e *schema.AutomationEntity) error {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("s3: marshal entity %s: %w", e.EntityID, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("s3: compress entity %s: %w", e.EntityID, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("s3: compress entity %s: %w", e.EntityID, err)
	}

	key := a.objectKey(e)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		StorageClass:    a.cfg.storageClass(),
	})
	if err != nil {
		a.failures.Add(1)
		return fmt.Errorf("s3: put entity %s: %w", e.EntityID, err)
	}

	a.archived.Add(1)
	a.logger.Info("entity archived",
		"entity_id", e.EntityID,
		"bucket", a.cfg.Bucket,
		"key", key,
		"bytes", buf.Len(),
	)
	return nil
}

func (a *Archiver) objectKey(e *schema.AutomationEntity) string {
	return fmt.Sprintf("%s%s/%s/%s/%s.json.gz",
		a.cfg.Prefix,
		e.OrgID,
		e.Platform,
		e.LastSeen.UTC().Format("2006/01/02"),
		sanitizeKey(e.EntityID),
	)
}

// Stats returns archiver counters.
func (a *Archiver) Stats() (archived, failures int64) {
	return a.archived.Load(), a.failures.Load()
}

// sanitizeKey replaces characters that complicate S3 key handling.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '#', '?', '%':
			return '_'
		}
		return r
	}, s)
}
