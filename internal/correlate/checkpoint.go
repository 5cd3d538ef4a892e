package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the checkpoint store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	KeyPrefix    string        `yaml:"key_prefix"`
	TTL          time.Duration `yaml:"ttl"`
}

// DefaultRedisConfig returns default checkpoint store settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		KeyPrefix:    "shadowscan:candidate:",
		TTL:          24 * time.Hour,
	}
}

// RedisCheckpointStore persists open correlation candidates in Redis as
// JSON, one key per chain under a common prefix. The TTL bounds how long
// an orphaned candidate from a crashed instance can linger.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCheckpointStore connects to Redis and verifies the connection.
func NewRedisCheckpointStore(cfg RedisConfig) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "shadowscan:candidate:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisCheckpointStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// SaveCandidate writes the candidate's current chain state.
func (s *RedisCheckpointStore) SaveCandidate(ctx context.Context, chain *schema.WorkflowChain) error {
	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal candidate %s: %w", chain.ChainID, err)
	}
	if err := s.client.Set(ctx, s.key(chain.ChainID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save candidate %s: %w", chain.ChainID, err)
	}
	return nil
}

// DeleteCandidate removes a candidate's checkpoint.
func (s *RedisCheckpointStore) DeleteCandidate(ctx context.Context, chainID uuid.UUID) error {
	if err := s.client.Del(ctx, s.key(chainID)).Err(); err != nil {
		return fmt.Errorf("delete candidate %s: %w", chainID, err)
	}
	return nil
}

// LoadCandidates scans all checkpointed candidates. Entries that fail to
// decode are skipped rather than aborting the restore.
func (s *RedisCheckpointStore) LoadCandidates(ctx context.Context) ([]schema.WorkflowChain, error) {
	var (
		chains []schema.WorkflowChain
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan candidates: %w", err)
		}
		for _, key := range keys {
			payload, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, fmt.Errorf("get candidate %s: %w", key, err)
			}
			var chain schema.WorkflowChain
			if err := json.Unmarshal(payload, &chain); err != nil {
				continue
			}
			chains = append(chains, chain)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return chains, nil
}

// Close releases the Redis connection pool.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

func (s *RedisCheckpointStore) key(chainID uuid.UUID) string {
	return s.prefix + chainID.String()
}
