package feedback

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shadowscan/internal/detect"
	"shadowscan/internal/schema"
)

// Bounds clamp every calibratable threshold. Adjustments never move a
// value outside its band no matter how many cycles push the same way.
type Bounds struct {
	VelocityRateMin float64 `yaml:"velocity_rate_min"`
	VelocityRateMax float64 `yaml:"velocity_rate_max"`

	BatchThresholdMin int `yaml:"batch_threshold_min"`
	BatchThresholdMax int `yaml:"batch_threshold_max"`

	DataVolumeMaxEventsMin int `yaml:"data_volume_max_events_min"`
	DataVolumeMaxEventsMax int `yaml:"data_volume_max_events_max"`

	DataVolumeMaxBytesMin int64 `yaml:"data_volume_max_bytes_min"`
	DataVolumeMaxBytesMax int64 `yaml:"data_volume_max_bytes_max"`
}

// DefaultBounds returns the default calibration bands.
func DefaultBounds() Bounds {
	return Bounds{
		VelocityRateMin:        0.2,
		VelocityRateMax:        10,
		BatchThresholdMin:      5,
		BatchThresholdMax:      100,
		DataVolumeMaxEventsMin: 50,
		DataVolumeMaxEventsMax: 2000,
		DataVolumeMaxBytesMin:  10 * 1024 * 1024,
		DataVolumeMaxBytesMax:  1024 * 1024 * 1024,
	}
}

// CalibratorConfig holds calibration tuning.
type CalibratorConfig struct {
	// MinSampleSize gates adjustment until enough feedback accumulated.
	MinSampleSize int64 `yaml:"min_sample_size"`
	// StepPct is the bounded per-cycle adjustment, a fraction of the
	// current value.
	StepPct float64 `yaml:"step_pct"`
	// Interval is the cadence between adjustment cycles.
	Interval time.Duration `yaml:"interval"`
	Bounds   Bounds        `yaml:"bounds"`
}

// DefaultCalibratorConfig returns the default calibration settings.
func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		MinSampleSize: 30,
		StepPct:       0.02,
		Interval:      15 * time.Minute,
		Bounds:        DefaultBounds(),
	}
}

// Calibrator owns the live threshold snapshot and adjusts it from
// feedback metrics. Readers take the current snapshot once per batch via
// Current; the calibrator publishes replacements with an atomic pointer
// swap, never an in-place edit, so a batch can never observe a torn
// configuration. Writers serialize on mu: two adjustment cycles can
// never clone the same snapshot and silently drop one another's step.
type Calibrator struct {
	cfg    CalibratorConfig
	logger *slog.Logger

	mu      sync.Mutex // serializes Calibrate and Publish
	current atomic.Pointer[detect.Thresholds]
}

// NewCalibrator creates a Calibrator seeded with initial thresholds.
func NewCalibrator(cfg CalibratorConfig, initial *detect.Thresholds, logger *slog.Logger) (*Calibrator, error) {
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 30
	}
	if cfg.StepPct <= 0 || cfg.StepPct > 0.5 {
		return nil, fmt.Errorf("step_pct must be in (0, 0.5], got %v", cfg.StepPct)
	}
	if initial == nil {
		initial = detect.DefaultThresholds()
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial thresholds: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Calibrator{cfg: cfg, logger: logger}
	c.current.Store(initial)
	return c, nil
}

// Current returns the live threshold snapshot. The returned value is
// immutable; callers hold it for the duration of one evaluation batch.
func (c *Calibrator) Current() *detect.Thresholds {
	return c.current.Load()
}

// Publish replaces the live snapshot directly, used by config hot reload.
func (c *Calibrator) Publish(th *detect.Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.current.Store(th)
	c.mu.Unlock()
	c.logger.Info("thresholds published", "version", th.Version)
	return nil
}

// Calibrate runs one adjustment cycle against the period's metrics and
// reports whether a new snapshot was published.
//
// Direction follows the precision/recall imbalance: precision below
// recall means false positives dominate, so detection thresholds rise;
// recall below precision means missed detections dominate, so they
// drop. Each cycle moves every threshold by at most StepPct of its
// current value, clamped to its bounds.
func (c *Calibrator) Calibrate(m schema.ReinforcementMetrics) (*detect.Thresholds, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()

	if m.SampleSize < c.cfg.MinSampleSize {
		c.logger.Info("calibration skipped",
			"reason", "insufficient sample",
			"sample_size", m.SampleSize,
			"min_sample_size", c.cfg.MinSampleSize,
		)
		return cur, false
	}

	var direction float64
	switch {
	case m.Precision < m.Recall:
		direction = 1
	case m.Recall < m.Precision:
		direction = -1
	default:
		c.logger.Info("calibration skipped", "reason", "precision and recall balanced")
		return cur, false
	}

	factor := 1 + c.cfg.StepPct*direction
	b := c.cfg.Bounds

	next := cur.Clone()
	next.VelocityRate = clampFloat(cur.VelocityRate*factor, b.VelocityRateMin, b.VelocityRateMax)
	next.BatchThreshold = clampInt(scaleInt(cur.BatchThreshold, factor, direction), b.BatchThresholdMin, b.BatchThresholdMax)
	next.DataVolumeMaxEvents = clampInt(scaleInt(cur.DataVolumeMaxEvents, factor, direction), b.DataVolumeMaxEventsMin, b.DataVolumeMaxEventsMax)
	next.DataVolumeMaxBytes = clampInt64(int64(float64(cur.DataVolumeMaxBytes)*factor), b.DataVolumeMaxBytesMin, b.DataVolumeMaxBytesMax)

	if next.VelocityRate == cur.VelocityRate &&
		next.BatchThreshold == cur.BatchThreshold &&
		next.DataVolumeMaxEvents == cur.DataVolumeMaxEvents &&
		next.DataVolumeMaxBytes == cur.DataVolumeMaxBytes {
		c.logger.Info("calibration skipped", "reason", "all thresholds at bounds")
		return cur, false
	}

	c.current.Store(next)
	c.logger.Info("thresholds calibrated",
		"version", next.Version,
		"direction", direction,
		"precision", m.Precision,
		"recall", m.Recall,
		"velocity_rate", next.VelocityRate,
		"batch_threshold", next.BatchThreshold,
	)
	return next, true
}

// scaleInt applies the factor to an integer threshold, guaranteeing at
// least one unit of movement so small values still adjust.
func scaleInt(v int, factor, direction float64) int {
	scaled := int(float64(v) * factor)
	if scaled == v {
		scaled = v + int(direction)
	}
	return scaled
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
