package feedback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"shadowscan/internal/detect"
	"shadowscan/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// allTargets accepts every target identifier.
type allTargets struct{}

func (allTargets) HasTarget(string) bool { return true }

// noTargets rejects every target identifier.
type noTargets struct{}

func (noTargets) HasTarget(string) bool { return false }

func record(t *testing.T, e *Engine, sentiment schema.Sentiment, ft schema.FeedbackType) schema.ReinforcementMetrics {
	t.Helper()
	m, err := e.RecordFeedback(context.Background(), &schema.Feedback{
		TargetID:     "slack:B0123",
		Platform:     schema.PlatformSlack,
		Sentiment:    sentiment,
		FeedbackType: ft,
	})
	if err != nil {
		t.Fatalf("RecordFeedback() error = %v", err)
	}
	return m
}

func TestEngine_PrecisionRecallF1(t *testing.T) {
	// 8 confirmed detections, 2 false positives, no misses.
	e := NewEngine(allTargets{}, nil, testLogger())

	var m schema.ReinforcementMetrics
	for i := 0; i < 8; i++ {
		m = record(t, e, schema.SentimentPositive, schema.FeedbackCorrectDetection)
	}
	for i := 0; i < 2; i++ {
		m = record(t, e, schema.SentimentNegative, schema.FeedbackFalsePositive)
	}

	if m.TruePositives != 8 || m.FalsePositives != 2 || m.FalseNegatives != 0 {
		t.Fatalf("counters = %d/%d/%d, want 8/2/0", m.TruePositives, m.FalsePositives, m.FalseNegatives)
	}
	if m.Precision != 0.80 {
		t.Errorf("Precision = %v, want 0.80", m.Precision)
	}
	if m.Recall != 1.0 {
		t.Errorf("Recall = %v, want 1.0", m.Recall)
	}
	if math.Abs(m.F1Score-0.888888889) > 1e-6 {
		t.Errorf("F1Score = %v, want ~0.889", m.F1Score)
	}
	if m.SampleSize != 10 {
		t.Errorf("SampleSize = %v, want 10", m.SampleSize)
	}
}

func TestEngine_ZeroDenominators(t *testing.T) {
	e := NewEngine(allTargets{}, nil, testLogger())

	// No feedback at all: everything is 0, never NaN.
	m := e.Metrics()
	if m.Precision != 0 || m.Recall != 0 || m.F1Score != 0 {
		t.Errorf("empty metrics = %v/%v/%v, want 0/0/0", m.Precision, m.Recall, m.F1Score)
	}

	// Only false negatives: precision has a zero denominator.
	m = record(t, e, schema.SentimentNegative, schema.FeedbackFalseNegative)
	if m.Precision != 0 {
		t.Errorf("Precision = %v, want 0", m.Precision)
	}
	if m.Recall != 0 {
		t.Errorf("Recall = %v, want 0", m.Recall)
	}
	if m.F1Score != 0 {
		t.Errorf("F1Score = %v, want 0", m.F1Score)
	}
}

func TestEngine_FalseNegativeCountsRegardlessOfSentiment(t *testing.T) {
	e := NewEngine(allTargets{}, nil, testLogger())

	m := record(t, e, schema.SentimentPositive, schema.FeedbackFalseNegative)
	if m.FalseNegatives != 1 || m.TruePositives != 0 {
		t.Errorf("counters = tp %d fn %d, want tp 0 fn 1", m.TruePositives, m.FalseNegatives)
	}
}

func TestEngine_UnknownTarget(t *testing.T) {
	e := NewEngine(noTargets{}, nil, testLogger())

	_, err := e.RecordFeedback(context.Background(), &schema.Feedback{
		TargetID:     "nope",
		Sentiment:    schema.SentimentPositive,
		FeedbackType: schema.FeedbackCorrectDetection,
	})
	if !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("error = %v, want ErrTargetNotFound", err)
	}

	// A false negative references a detection that never existed, so it
	// bypasses the target check.
	if _, err := e.RecordFeedback(context.Background(), &schema.Feedback{
		TargetID:     "missed-automation",
		Sentiment:    schema.SentimentNegative,
		FeedbackType: schema.FeedbackFalseNegative,
	}); err != nil {
		t.Errorf("false_negative feedback rejected: %v", err)
	}
}

func TestEngine_InvalidFeedback(t *testing.T) {
	e := NewEngine(allTargets{}, nil, testLogger())
	tests := []struct {
		name string
		fb   schema.Feedback
	}{
		{"missing target", schema.Feedback{Sentiment: schema.SentimentPositive, FeedbackType: schema.FeedbackCorrectDetection}},
		{"bad sentiment", schema.Feedback{TargetID: "x", Sentiment: "meh", FeedbackType: schema.FeedbackCorrectDetection}},
		{"bad type", schema.Feedback{TargetID: "x", Sentiment: schema.SentimentPositive, FeedbackType: "guess"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := tt.fb
			if _, err := e.RecordFeedback(context.Background(), &fb); !errors.Is(err, ErrInvalidFeedback) {
				t.Errorf("error = %v, want ErrInvalidFeedback", err)
			}
		})
	}
}

func TestEngine_RewardSignal(t *testing.T) {
	e := NewEngine(allTargets{}, nil, testLogger())

	// First period: 50% precision, then roll.
	record(t, e, schema.SentimentPositive, schema.FeedbackCorrectDetection)
	record(t, e, schema.SentimentNegative, schema.FeedbackFalsePositive)
	if m := e.Metrics(); m.RewardSignal != 0 {
		t.Errorf("reward before first roll = %v, want 0", m.RewardSignal)
	}
	e.RollPeriod()

	// Second period improves precision; reward turns positive.
	for i := 0; i < 6; i++ {
		record(t, e, schema.SentimentPositive, schema.FeedbackCorrectDetection)
	}
	if m := e.Metrics(); m.RewardSignal <= 0 {
		t.Errorf("RewardSignal = %v, want > 0 after improvement", m.RewardSignal)
	}
}

func TestCalibrator_SkipsBelowMinSample(t *testing.T) {
	c, err := NewCalibrator(DefaultCalibratorConfig(), detect.DefaultThresholds(), testLogger())
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}
	before := c.Current()

	_, changed := c.Calibrate(schema.ReinforcementMetrics{
		SampleSize: 29, Precision: 0.5, Recall: 0.9,
	})
	if changed {
		t.Error("calibration ran below the minimum sample size")
	}
	if c.Current() != before {
		t.Error("snapshot replaced despite skip")
	}
}

func TestCalibrator_RaisesThresholdsOnLowPrecision(t *testing.T) {
	// Precision below recall means false positives dominate; thresholds
	// rise to make detectors less sensitive.
	c, err := NewCalibrator(DefaultCalibratorConfig(), detect.DefaultThresholds(), testLogger())
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}
	before := c.Current()

	next, changed := c.Calibrate(schema.ReinforcementMetrics{
		SampleSize: 40, Precision: 0.6, Recall: 0.95,
	})
	if !changed {
		t.Fatal("calibration did not publish a new snapshot")
	}
	if next.Version != before.Version+1 {
		t.Errorf("Version = %d, want %d", next.Version, before.Version+1)
	}
	if next.VelocityRate <= before.VelocityRate {
		t.Errorf("VelocityRate = %v, want > %v", next.VelocityRate, before.VelocityRate)
	}
	if next.BatchThreshold <= before.BatchThreshold {
		t.Errorf("BatchThreshold = %d, want > %d", next.BatchThreshold, before.BatchThreshold)
	}
	if c.Current() != next {
		t.Error("Current() does not return the published snapshot")
	}
	if before.VelocityRate != detect.DefaultThresholds().VelocityRate {
		t.Error("prior snapshot mutated in place")
	}
}

func TestCalibrator_LowersThresholdsOnLowRecall(t *testing.T) {
	c, err := NewCalibrator(DefaultCalibratorConfig(), detect.DefaultThresholds(), testLogger())
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}
	before := c.Current()

	next, changed := c.Calibrate(schema.ReinforcementMetrics{
		SampleSize: 40, Precision: 0.95, Recall: 0.6,
	})
	if !changed {
		t.Fatal("calibration did not publish a new snapshot")
	}
	if next.VelocityRate >= before.VelocityRate {
		t.Errorf("VelocityRate = %v, want < %v", next.VelocityRate, before.VelocityRate)
	}
}

func TestCalibrator_ClampsToBounds(t *testing.T) {
	cfg := DefaultCalibratorConfig()
	th := detect.DefaultThresholds()
	th.VelocityRate = cfg.Bounds.VelocityRateMax

	c, err := NewCalibrator(cfg, th, testLogger())
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}

	next, _ := c.Calibrate(schema.ReinforcementMetrics{
		SampleSize: 40, Precision: 0.6, Recall: 0.95,
	})
	if next.VelocityRate > cfg.Bounds.VelocityRateMax {
		t.Errorf("VelocityRate = %v exceeds bound %v", next.VelocityRate, cfg.Bounds.VelocityRateMax)
	}
}

func TestCalibrator_ConcurrentCyclesLoseNoSteps(t *testing.T) {
	// Adjustment cycles serialize on the calibrator: every cycle clones
	// the latest snapshot, so no step is overwritten and no version is
	// issued twice.
	c, err := NewCalibrator(DefaultCalibratorConfig(), detect.DefaultThresholds(), testLogger())
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}
	startVersion := c.Current().Version

	const cycles = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := 0; i < cycles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed := c.Calibrate(schema.ReinforcementMetrics{
				SampleSize: 40, Precision: 0.6, Recall: 0.95,
			})
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if changes != cycles {
		t.Fatalf("changed cycles = %d, want %d", changes, cycles)
	}
	if got := c.Current().Version; got != startVersion+cycles {
		t.Errorf("Version = %d, want %d", got, startVersion+cycles)
	}
}

func TestCalibrationLoop_CycleAdjustsAndRollsPeriod(t *testing.T) {
	e := NewEngine(allTargets{}, nil, testLogger())
	c, err := NewCalibrator(DefaultCalibratorConfig(), detect.DefaultThresholds(), testLogger())
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}

	var notified bool
	loop := NewCalibrationLoop(e, c, func(context.Context) { notified = true }, testLogger())

	// Below the minimum sample size nothing runs.
	if loop.RunCycle(context.Background()) {
		t.Fatal("cycle adjusted thresholds with no feedback")
	}

	// Precision 25/35 below recall 1.0 over a sufficient sample.
	startVersion := c.Current().Version
	for i := 0; i < 25; i++ {
		record(t, e, schema.SentimentPositive, schema.FeedbackCorrectDetection)
	}
	for i := 0; i < 10; i++ {
		record(t, e, schema.SentimentNegative, schema.FeedbackFalsePositive)
	}
	if !loop.RunCycle(context.Background()) {
		t.Fatal("cycle did not adjust thresholds")
	}
	if got := c.Current().Version; got != startVersion+1 {
		t.Errorf("Version = %d, want %d", got, startVersion+1)
	}
	if !notified {
		t.Error("threshold change did not invoke the change hook")
	}

	// The cycle closed the reward period: subsequent improvement yields a
	// positive reward signal.
	for i := 0; i < 40; i++ {
		record(t, e, schema.SentimentPositive, schema.FeedbackCorrectDetection)
	}
	if m := e.Metrics(); m.RewardSignal <= 0 {
		t.Errorf("RewardSignal = %v, want > 0 after improvement", m.RewardSignal)
	}
}

func TestDriftDetector_PrecisionDropIsHighSeverity(t *testing.T) {
	// Baseline precision 0.90, current 0.84: a 6 point drop over the
	// 5 point threshold.
	d := NewDriftDetector(DefaultDriftConfig(), testLogger())

	report := d.Detect(
		map[schema.Platform]schema.Baseline{
			schema.PlatformSlack: {Platform: schema.PlatformSlack, Precision: 0.90, Recall: 0.85, F1Score: 0.874},
		},
		map[schema.Platform]schema.ReinforcementMetrics{
			schema.PlatformSlack: {Precision: 0.84, Recall: 0.85, F1Score: 0.845, SampleSize: 50},
		},
	)

	if !report.Breached {
		t.Fatal("report not breached")
	}
	var found bool
	for _, a := range report.Alerts {
		if a.Metric == "precision" {
			found = true
			if a.Severity != DriftSeverityHigh {
				t.Errorf("precision alert severity = %v, want high", a.Severity)
			}
			if math.Abs(a.Delta+0.06) > 1e-9 {
				t.Errorf("Delta = %v, want -0.06", a.Delta)
			}
		}
	}
	if !found {
		t.Fatal("no precision alert in report")
	}
}

func TestDriftDetector_NoBaselineSkips(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig(), testLogger())

	report := d.Detect(nil, map[schema.Platform]schema.ReinforcementMetrics{
		schema.PlatformGitHub: {Precision: 0.5, SampleSize: 10},
	})

	if report.Breached {
		t.Error("breached without any baseline to compare against")
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != schema.PlatformGitHub {
		t.Errorf("Skipped = %v, want [github]", report.Skipped)
	}
}

func TestDriftDetector_WithinThresholds(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig(), testLogger())

	report := d.Detect(
		map[schema.Platform]schema.Baseline{
			schema.PlatformSlack: {Platform: schema.PlatformSlack, Precision: 0.90, Recall: 0.90, F1Score: 0.90},
		},
		map[schema.Platform]schema.ReinforcementMetrics{
			schema.PlatformSlack: {Precision: 0.88, Recall: 0.89, F1Score: 0.885, SampleSize: 50},
		},
	)

	if report.Breached || len(report.Alerts) != 0 {
		t.Errorf("Alerts = %v, want none for drops inside thresholds", report.Alerts)
	}
	if len(report.Platforms) != 1 {
		t.Errorf("Platforms = %d, want 1", len(report.Platforms))
	}
}
