package feedback

import (
	"context"
	"log/slog"
	"time"
)

// CalibrationLoop drives threshold adjustment on a fixed cadence.
// Each cycle reads the accumulated accuracy metrics, runs one bounded
// calibration step, and rolls the reward-signal reference period, so
// thresholds move once per cycle rather than once per feedback record.
type CalibrationLoop struct {
	engine     *Engine
	calibrator *Calibrator
	interval   time.Duration
	onChange   func(context.Context) // optional, runs after a threshold change
	logger     *slog.Logger
}

// NewCalibrationLoop creates a CalibrationLoop. onChange may be nil.
func NewCalibrationLoop(engine *Engine, calibrator *Calibrator, onChange func(context.Context), logger *slog.Logger) *CalibrationLoop {
	interval := calibrator.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalibrationLoop{
		engine:     engine,
		calibrator: calibrator,
		interval:   interval,
		onChange:   onChange,
		logger:     logger,
	}
}

// Run executes adjustment cycles until ctx is cancelled.
func (l *CalibrationLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunCycle(ctx)
		}
	}
}

// RunCycle runs one adjustment cycle and reports whether thresholds
// changed. A cycle that ran closes the reward-signal period: the next
// period's reward measures accuracy movement since this cycle.
func (l *CalibrationLoop) RunCycle(ctx context.Context) bool {
	m := l.engine.Metrics()
	if m.SampleSize < l.calibrator.cfg.MinSampleSize {
		return false
	}

	next, changed := l.calibrator.Calibrate(m)
	l.engine.RollPeriod()

	if changed {
		l.logger.Info("calibration cycle adjusted thresholds",
			"version", next.Version,
			"precision", m.Precision,
			"recall", m.Recall,
		)
		if l.onChange != nil {
			l.onChange(ctx)
		}
	}
	return changed
}
