package feedback

import (
	"log/slog"
	"sort"
	"time"

	"shadowscan/internal/schema"
)

// DriftConfig holds the absolute drop, in points, that flags each metric.
type DriftConfig struct {
	PrecisionDrop float64 `yaml:"precision_drop"`
	RecallDrop    float64 `yaml:"recall_drop"`
	F1Drop        float64 `yaml:"f1_drop"`
}

// DefaultDriftConfig returns the default alert thresholds.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		PrecisionDrop: 0.05,
		RecallDrop:    0.03,
		F1Drop:        0.04,
	}
}

// DriftSeverity ranks a drift alert.
type DriftSeverity string

const (
	DriftSeverityHigh   DriftSeverity = "high"
	DriftSeverityMedium DriftSeverity = "medium"
)

// DriftAlert flags one metric's degradation on one platform.
type DriftAlert struct {
	Platform  schema.Platform `json:"platform"`
	Metric    string          `json:"metric"`
	Baseline  float64         `json:"baseline"`
	Current   float64         `json:"current"`
	Delta     float64         `json:"delta"` // negative means degradation
	Threshold float64         `json:"threshold"`
	Severity  DriftSeverity   `json:"severity"`
}

// PlatformDrift is the per-platform metric comparison, alerting or not.
type PlatformDrift struct {
	Platform       schema.Platform `json:"platform"`
	Baseline       schema.Baseline `json:"baseline"`
	PrecisionDelta float64         `json:"precision_delta"`
	RecallDelta    float64         `json:"recall_delta"`
	F1Delta        float64         `json:"f1_delta"`
	SampleSize     int64           `json:"sample_size"`
}

// DriftReport is the full comparison outcome handed to alerting.
type DriftReport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Platforms   []PlatformDrift   `json:"platforms"`
	Skipped     []schema.Platform `json:"skipped,omitempty"` // no baseline stored
	Alerts      []DriftAlert      `json:"alerts,omitempty"`
	Breached    bool              `json:"breached"`
}

// DriftDetector compares current accuracy against stored baselines. It is
// read-only: it never adjusts thresholds, only reports.
type DriftDetector struct {
	cfg    DriftConfig
	logger *slog.Logger
}

// NewDriftDetector creates a DriftDetector.
func NewDriftDetector(cfg DriftConfig, logger *slog.Logger) *DriftDetector {
	if cfg.PrecisionDrop <= 0 {
		cfg = DefaultDriftConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DriftDetector{cfg: cfg, logger: logger}
}

// Detect compares per-platform metrics against their baselines. Platforms
// without a stored baseline are listed as skipped rather than guessed at.
// A precision breach is high severity; recall and F1 breaches are medium.
func (d *DriftDetector) Detect(baselines map[schema.Platform]schema.Baseline, current map[schema.Platform]schema.ReinforcementMetrics) DriftReport {
	report := DriftReport{GeneratedAt: time.Now().UTC()}

	platforms := make([]schema.Platform, 0, len(current))
	for p := range current {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	for _, p := range platforms {
		m := current[p]
		base, ok := baselines[p]
		if !ok {
			report.Skipped = append(report.Skipped, p)
			d.logger.Debug("drift check skipped", "platform", p, "reason", "no baseline")
			continue
		}

		pd := PlatformDrift{
			Platform:       p,
			Baseline:       base,
			PrecisionDelta: m.Precision - base.Precision,
			RecallDelta:    m.Recall - base.Recall,
			F1Delta:        m.F1Score - base.F1Score,
			SampleSize:     m.SampleSize,
		}
		report.Platforms = append(report.Platforms, pd)

		if -pd.PrecisionDelta >= d.cfg.PrecisionDrop {
			report.Alerts = append(report.Alerts, DriftAlert{
				Platform: p, Metric: "precision",
				Baseline: base.Precision, Current: m.Precision,
				Delta: pd.PrecisionDelta, Threshold: d.cfg.PrecisionDrop,
				Severity: DriftSeverityHigh,
			})
		}
		if -pd.RecallDelta >= d.cfg.RecallDrop {
			report.Alerts = append(report.Alerts, DriftAlert{
				Platform: p, Metric: "recall",
				Baseline: base.Recall, Current: m.Recall,
				Delta: pd.RecallDelta, Threshold: d.cfg.RecallDrop,
				Severity: DriftSeverityMedium,
			})
		}
		if -pd.F1Delta >= d.cfg.F1Drop {
			report.Alerts = append(report.Alerts, DriftAlert{
				Platform: p, Metric: "f1",
				Baseline: base.F1Score, Current: m.F1Score,
				Delta: pd.F1Delta, Threshold: d.cfg.F1Drop,
				Severity: DriftSeverityMedium,
			})
		}
	}

	report.Breached = len(report.Alerts) > 0
	if report.Breached {
		d.logger.Warn("accuracy drift detected", "alerts", len(report.Alerts))
	}
	return report
}

// BaselineFrom captures a platform's current metrics as a new baseline.
func BaselineFrom(p schema.Platform, m schema.ReinforcementMetrics) schema.Baseline {
	return schema.Baseline{
		Platform:   p,
		Precision:  m.Precision,
		Recall:     m.Recall,
		F1Score:    m.F1Score,
		SampleSize: m.SampleSize,
		CapturedAt: time.Now().UTC(),
	}
}
