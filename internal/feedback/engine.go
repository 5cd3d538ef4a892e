// Package feedback turns analyst judgments into accuracy metrics,
// bounded threshold adjustments, and drift reports.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

var (
	// ErrTargetNotFound means the feedback references an unknown entity
	// or chain.
	ErrTargetNotFound = errors.New("feedback target not found")
	// ErrInvalidFeedback means the feedback record failed validation.
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// TargetIndex answers whether a feedback target exists. The entity
// tracker and correlator both satisfy this for their identifier spaces.
type TargetIndex interface {
	HasTarget(targetID string) bool
}

// Journal persists accepted feedback records. Records are append-only;
// there is no update or delete path.
type Journal interface {
	AppendFeedback(ctx context.Context, fb *schema.Feedback) error
}

// Engine ingests feedback and maintains ReinforcementMetrics, globally
// and per platform. Feedback arrives concurrently from multiple
// analysts; a single mutex serializes counter updates so a metrics read
// never observes a half-applied judgment.
type Engine struct {
	logger  *slog.Logger
	targets TargetIndex // optional
	journal Journal     // optional

	mu         sync.Mutex
	global     counters
	byPlatform map[schema.Platform]*counters

	// Prior calibration period accuracy, the reference for rewardSignal.
	priorPrecision float64
	priorRecall    float64
	priorValid     bool
}

type counters struct {
	tp, fp, fn int64
	samples    int64
}

// NewEngine creates a feedback Engine. targets and journal may be nil.
func NewEngine(targets TargetIndex, journal Journal, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:     logger,
		targets:    targets,
		journal:    journal,
		byPlatform: make(map[schema.Platform]*counters),
	}
}

// RecordFeedback validates and appends one judgment, then returns the
// updated metrics. A positive sentiment on a flagged detection counts as
// a true positive, a negative sentiment as a false positive, and an
// explicit false_negative type as a missed detection.
func (e *Engine) RecordFeedback(ctx context.Context, fb *schema.Feedback) (schema.ReinforcementMetrics, error) {
	if fb.TargetID == "" {
		return schema.ReinforcementMetrics{}, fmt.Errorf("%w: missing target_id", ErrInvalidFeedback)
	}
	if !fb.Sentiment.IsValid() {
		return schema.ReinforcementMetrics{}, fmt.Errorf("%w: unknown sentiment %q", ErrInvalidFeedback, fb.Sentiment)
	}
	if !fb.FeedbackType.IsValid() {
		return schema.ReinforcementMetrics{}, fmt.Errorf("%w: unknown feedback type %q", ErrInvalidFeedback, fb.FeedbackType)
	}
	// A false negative names a detection that never fired, so the target
	// cannot be looked up.
	if e.targets != nil && fb.FeedbackType != schema.FeedbackFalseNegative && !e.targets.HasTarget(fb.TargetID) {
		return schema.ReinforcementMetrics{}, fmt.Errorf("%w: %s", ErrTargetNotFound, fb.TargetID)
	}

	if fb.FeedbackID == uuid.Nil {
		fb.FeedbackID = uuid.New()
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = time.Now().UTC()
	}

	if e.journal != nil {
		if err := e.journal.AppendFeedback(ctx, fb); err != nil {
			return schema.ReinforcementMetrics{}, fmt.Errorf("append feedback: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.global.apply(fb)
	if fb.Platform != "" {
		pc, ok := e.byPlatform[fb.Platform]
		if !ok {
			pc = &counters{}
			e.byPlatform[fb.Platform] = pc
		}
		pc.apply(fb)
	}

	metrics := e.metricsLocked(&e.global)
	e.logger.Debug("feedback recorded",
		"target_id", fb.TargetID,
		"sentiment", fb.Sentiment,
		"type", fb.FeedbackType,
		"precision", metrics.Precision,
		"recall", metrics.Recall,
	)
	return metrics, nil
}

func (c *counters) apply(fb *schema.Feedback) {
	c.samples++
	switch {
	case fb.FeedbackType == schema.FeedbackFalseNegative:
		c.fn++
	case fb.Sentiment == schema.SentimentPositive:
		c.tp++
	case fb.Sentiment == schema.SentimentNegative:
		c.fp++
	}
}

// Metrics returns the current global ReinforcementMetrics.
func (e *Engine) Metrics() schema.ReinforcementMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsLocked(&e.global)
}

// PlatformMetrics returns current metrics broken down per platform,
// the input for drift detection.
func (e *Engine) PlatformMetrics() map[schema.Platform]schema.ReinforcementMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[schema.Platform]schema.ReinforcementMetrics, len(e.byPlatform))
	for p, pc := range e.byPlatform {
		out[p] = e.metricsLocked(pc)
	}
	return out
}

// RollPeriod closes the current calibration period: the present accuracy
// becomes the reference for the next period's reward signal.
func (e *Engine) RollPeriod() {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.metricsLocked(&e.global)
	e.priorPrecision = m.Precision
	e.priorRecall = m.Recall
	e.priorValid = true
}

// metricsLocked derives precision, recall, F1 and the reward signal.
// Precision and recall are 0 when their denominator is 0, and F1 is 0
// when both are. Caller holds e.mu.
func (e *Engine) metricsLocked(c *counters) schema.ReinforcementMetrics {
	precision := ratio(c.tp, c.tp+c.fp)
	recall := ratio(c.tp, c.tp+c.fn)

	var f1 float64
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	var reward float64
	if e.priorValid {
		reward = ((precision - e.priorPrecision) + (recall - e.priorRecall)) / 2
	}

	return schema.ReinforcementMetrics{
		TruePositives:  c.tp,
		FalsePositives: c.fp,
		FalseNegatives: c.fn,
		Precision:      precision,
		Recall:         recall,
		F1Score:        f1,
		RewardSignal:   reward,
		SampleSize:     c.samples,
		UpdatedAt:      time.Now().UTC(),
	}
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ComputeMetrics derives accuracy metrics from raw counters, for callers
// aggregating a stored feedback journal rather than the live engine.
// Zero denominators yield zero, never NaN.
func ComputeMetrics(tp, fp, fn int64, at time.Time) schema.ReinforcementMetrics {
	m := schema.ReinforcementMetrics{
		TruePositives:  tp,
		FalsePositives: fp,
		FalseNegatives: fn,
		SampleSize:     tp + fp + fn,
		UpdatedAt:      at,
	}
	m.Precision = ratio(tp, tp+fp)
	m.Recall = ratio(tp, tp+fn)
	if m.Precision+m.Recall > 0 {
		m.F1Score = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}
