package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"shadowscan/internal/detect"

	"github.com/redis/go-redis/v9"
)

// ErrNoStoredThresholds means no calibrated threshold snapshot has been
// published yet; callers fall back to their configured defaults.
var ErrNoStoredThresholds = errors.New("no stored thresholds")

// ThresholdStoreConfig holds connection settings for the threshold
// snapshot store.
type ThresholdStoreConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// DefaultThresholdStoreConfig returns default threshold store settings.
func DefaultThresholdStoreConfig() ThresholdStoreConfig {
	return ThresholdStoreConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "shadowscan:thresholds:",
	}
}

// RedisThresholdStore keeps published threshold snapshots in Redis, one
// key per version plus a latest pointer, so restarting instances resume
// from the last calibrated tuning instead of file defaults.
type RedisThresholdStore struct {
	client *redis.Client
	prefix string
}

// NewRedisThresholdStore connects to Redis and verifies the connection.
func NewRedisThresholdStore(cfg ThresholdStoreConfig) (*RedisThresholdStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "shadowscan:thresholds:"
	}
	return &RedisThresholdStore{client: client, prefix: prefix}, nil
}

// SaveThresholds writes one snapshot under its version and advances the
// latest pointer. Snapshots are immutable; versions are never rewritten.
func (s *RedisThresholdStore) SaveThresholds(ctx context.Context, th *detect.Thresholds) error {
	payload, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("marshal thresholds v%d: %w", th.Version, err)
	}

	key := s.prefix + "v" + strconv.FormatInt(th.Version, 10)
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("save thresholds v%d: %w", th.Version, err)
	}
	if err := s.client.Set(ctx, s.prefix+"latest", payload, 0).Err(); err != nil {
		return fmt.Errorf("advance latest thresholds: %w", err)
	}
	return nil
}

// LoadLatest returns the most recently published snapshot.
func (s *RedisThresholdStore) LoadLatest(ctx context.Context) (*detect.Thresholds, error) {
	payload, err := s.client.Get(ctx, s.prefix+"latest").Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoStoredThresholds
		}
		return nil, fmt.Errorf("load latest thresholds: %w", err)
	}

	var th detect.Thresholds
	if err := json.Unmarshal(payload, &th); err != nil {
		return nil, fmt.Errorf("decode stored thresholds: %w", err)
	}
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("stored thresholds invalid: %w", err)
	}
	return &th, nil
}

// Close releases the Redis connection pool.
func (s *RedisThresholdStore) Close() error {
	return s.client.Close()
}
