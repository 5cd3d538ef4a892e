// Package config handles configuration loading for shadowscan.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"shadowscan/internal/api"
	"shadowscan/internal/correlate"
	"shadowscan/internal/detect"
	"shadowscan/internal/entity"
	"shadowscan/internal/feedback"
	"shadowscan/internal/kafka"
	"shadowscan/internal/risk"
	"shadowscan/internal/storage"
	"shadowscan/internal/storage/s3"

	"gopkg.in/yaml.v3"
)

// Config holds the complete engine configuration. The detection tuning
// sections (thresholds, calibration, drift) are hot-reloadable; the
// connection sections take effect on restart.
type Config struct {
	Logging    LoggingConfig              `yaml:"logging"`
	Pipeline   PipelineConfig             `yaml:"pipeline"`
	Normalizer NormalizerConfig           `yaml:"normalizer"`
	Thresholds detect.Thresholds          `yaml:"thresholds"`
	Risk       risk.Config                `yaml:"risk"`
	Correlator correlate.Config           `yaml:"correlator"`
	Entities   entity.Config              `yaml:"entities"`
	Calibrator feedback.CalibratorConfig  `yaml:"calibrator"`
	Drift      feedback.DriftConfig       `yaml:"drift"`
	API        APIConfig                  `yaml:"api"`
	Kafka      KafkaConfig                `yaml:"kafka"`
	Storage    StorageConfig              `yaml:"storage"`
	Checkpoint CheckpointConfig           `yaml:"checkpoint"`
	Archive    ArchiveConfig              `yaml:"archive"`
	Metrics    MetricsConfig              `yaml:"metrics"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// PipelineConfig holds pipeline worker settings.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
	// MaxLateness bounds how far behind the event-time high-water mark an
	// event may arrive before it is dropped.
	MaxLateness time.Duration `yaml:"max_lateness"`
	// WindowSpan is how much per-entity history detectors see.
	WindowSpan time.Duration `yaml:"window_span"`
	// MaxWindowEvents caps the per-entity window regardless of span.
	MaxWindowEvents int `yaml:"max_window_events"`
	// ArchiveSweepInterval is how often inactive entities are archived.
	ArchiveSweepInterval time.Duration `yaml:"archive_sweep_interval"`
}

// NormalizerConfig holds normalizer settings.
type NormalizerConfig struct {
	DefaultOrgID string `yaml:"default_org_id"`
}

// APIConfig wraps the admin API settings with an enable switch.
type APIConfig struct {
	Enabled    bool `yaml:"enabled"`
	api.Config `yaml:",inline"`
}

// KafkaConfig wraps the broker settings with an enable switch so the
// engine can run from replayed files in development.
type KafkaConfig struct {
	Enabled bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Enabled      bool                        `yaml:"enabled"`
	ClickHouse   storage.ClickHouseConfig    `yaml:"clickhouse"`
	SignalWriter storage.SignalWriterConfig  `yaml:"signal_writer"`
}

// CheckpointConfig holds correlation checkpoint settings.
type CheckpointConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Redis   correlate.RedisConfig `yaml:"redis"`
}

// ArchiveConfig holds entity archival settings.
type ArchiveConfig struct {
	Enabled bool      `yaml:"enabled"`
	S3      s3.Config `yaml:"s3"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Pipeline: PipelineConfig{
			Workers:              4,
			QueueSize:            65536,
			ShutdownWait:         30 * time.Second,
			MaxLateness:          5 * time.Minute,
			WindowSpan:           time.Hour,
			MaxWindowEvents:      512,
			ArchiveSweepInterval: time.Hour,
		},
		Normalizer: NormalizerConfig{
			DefaultOrgID: "default",
		},
		Thresholds: *detect.DefaultThresholds(),
		Risk:       risk.DefaultConfig(),
		Correlator: correlate.DefaultConfig(),
		Entities:   entity.DefaultConfig(),
		Calibrator: feedback.DefaultCalibratorConfig(),
		Drift:      feedback.DefaultDriftConfig(),
		API: APIConfig{
			Enabled: true,
			Config:  api.DefaultConfig(),
		},
		Kafka: KafkaConfig{
			Enabled: true,
			Config:  kafka.DefaultConfig(),
		},
		Storage: StorageConfig{
			Enabled:      false,
			ClickHouse:   storage.DefaultClickHouseConfig(),
			SignalWriter: storage.DefaultSignalWriterConfig(),
		},
		Checkpoint: CheckpointConfig{
			Enabled: false,
			Redis:   correlate.DefaultRedisConfig(),
		},
		Archive: ArchiveConfig{
			Enabled: false,
			S3:      s3.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load loads configuration from path, or from SHADOWSCAN_CONFIG_PATH,
// falling back to defaults when no file exists.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("SHADOWSCAN_CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides for the
// settings commonly injected by deployment rather than file.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SHADOWSCAN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if workers := os.Getenv("SHADOWSCAN_WORKERS"); workers != "" {
		fmt.Sscanf(workers, "%d", &c.Pipeline.Workers)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if group := os.Getenv("KAFKA_CONSUMER_GROUP"); group != "" {
		c.Kafka.ConsumerGroup = group
	}

	if enabled := os.Getenv("SHADOWSCAN_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Checkpoint.Enabled = true
		c.Checkpoint.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Checkpoint.Redis.Password = pass
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline queue_size must be positive")
	}

	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Correlator.Validate(); err != nil {
		return fmt.Errorf("correlator: %w", err)
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
