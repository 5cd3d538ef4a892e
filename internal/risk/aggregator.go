// Package risk combines an entity's accumulated detection signals into a
// single risk assessment.
package risk

import (
	"fmt"
	"sort"
	"time"

	"shadowscan/internal/schema"
)

// CutPoints are the score boundaries between risk levels. Bands must be
// monotonic; Validate rejects overlapping or inverted configurations.
type CutPoints struct {
	Medium   float64 `yaml:"medium"`   // scores >= Medium are at least medium
	High     float64 `yaml:"high"`     // scores >= High are at least high
	Critical float64 `yaml:"critical"` // scores >= Critical are critical
}

// DefaultCutPoints returns the standard banding: <40 low, 40-69 medium,
// 70-89 high, >=90 critical.
func DefaultCutPoints() CutPoints {
	return CutPoints{Medium: 40, High: 70, Critical: 90}
}

// Validate checks the bands are ordered.
func (c CutPoints) Validate() error {
	if c.Medium <= 0 || c.Medium >= c.High || c.High >= c.Critical || c.Critical > 100 {
		return fmt.Errorf("cut points must satisfy 0 < medium < high < critical <= 100, got %+v", c)
	}
	return nil
}

// Level maps a score to its band. Deterministic and monotonic in score.
func (c CutPoints) Level(score float64) schema.RiskLevel {
	switch {
	case score >= c.Critical:
		return schema.RiskCritical
	case score >= c.High:
		return schema.RiskHigh
	case score >= c.Medium:
		return schema.RiskMedium
	default:
		return schema.RiskLow
	}
}

// Config holds aggregator tuning.
type Config struct {
	// CategoryWeights scale each signal type's confidence contribution.
	CategoryWeights map[schema.SignalType]float64 `yaml:"category_weights"`
	// TypeBonus is added per distinct signal type beyond the first.
	TypeBonus float64 `yaml:"type_bonus"`
	// TypeBonusCap bounds the total diversity bonus.
	TypeBonusCap float64   `yaml:"type_bonus_cap"`
	CutPoints    CutPoints `yaml:"cut_points"`
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		CategoryWeights: map[schema.SignalType]float64{
			schema.SignalVelocity:             0.80,
			schema.SignalAIProvider:           0.90,
			schema.SignalBatchOperation:       0.75,
			schema.SignalOffHours:             0.50,
			schema.SignalPermissionEscalation: 0.95,
			schema.SignalDataVolume:           0.85,
		},
		TypeBonus:    5,
		TypeBonusCap: 15,
		CutPoints:    DefaultCutPoints(),
	}
}

// Validate checks aggregator configuration.
func (c Config) Validate() error {
	for st, w := range c.CategoryWeights {
		if w <= 0 || w > 1 {
			return fmt.Errorf("category weight for %s out of (0,1]: %v", st, w)
		}
	}
	if c.TypeBonus < 0 || c.TypeBonusCap < 0 {
		return fmt.Errorf("type bonus values must be non-negative")
	}
	return c.CutPoints.Validate()
}

// Aggregator turns a signal set into a RiskAssessment.
type Aggregator struct {
	cfg Config
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if len(cfg.CategoryWeights) == 0 {
		cfg = DefaultConfig()
	}
	return &Aggregator{cfg: cfg}
}

// Aggregate computes a RiskAssessment from the full signal set. It is a
// pure function of its input: recomputed from scratch every time, never
// incrementally patched, so identical signal sets always yield identical
// assessments.
func (a *Aggregator) Aggregate(signals []schema.DetectionSignal) schema.RiskAssessment {
	if len(signals) == 0 {
		return schema.RiskAssessment{
			Score:      0,
			Level:      a.cfg.CutPoints.Level(0),
			ComputedAt: time.Now().UTC(),
		}
	}

	var base float64
	types := make(map[schema.SignalType]struct{})
	for _, sig := range signals {
		weight, ok := a.cfg.CategoryWeights[sig.SignalType]
		if !ok {
			weight = 0.5
		}
		weighted := schema.ClampConfidence(sig.Confidence) * weight
		if weighted > base {
			base = weighted
		}
		types[sig.SignalType] = struct{}{}
	}

	bonus := float64(len(types)-1) * a.cfg.TypeBonus
	if bonus > a.cfg.TypeBonusCap {
		bonus = a.cfg.TypeBonusCap
	}

	score := base + bonus
	if score > 100 {
		score = 100
	}

	contributing := make([]schema.DetectionSignal, len(signals))
	copy(contributing, signals)
	sort.SliceStable(contributing, func(i, j int) bool {
		if contributing[i].Confidence != contributing[j].Confidence {
			return contributing[i].Confidence > contributing[j].Confidence
		}
		return contributing[i].SignalType < contributing[j].SignalType
	})

	return schema.RiskAssessment{
		Score:               score,
		Level:               a.cfg.CutPoints.Level(score),
		ContributingSignals: contributing,
		Recommendations:     recommendations(types),
		ComputedAt:          time.Now().UTC(),
	}
}

// recommendations maps the present signal types to operator actions.
func recommendations(types map[schema.SignalType]struct{}) []string {
	ordered := make([]schema.SignalType, 0, len(types))
	for st := range types {
		ordered = append(ordered, st)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var recs []string
	for _, st := range ordered {
		switch st {
		case schema.SignalVelocity:
			recs = append(recs, "Review the actor's API token usage and apply rate limits")
		case schema.SignalAIProvider:
			recs = append(recs, "Verify the AI integration is sanctioned and its data handling approved")
		case schema.SignalBatchOperation:
			recs = append(recs, "Audit the bulk operation target resources for unintended exposure")
		case schema.SignalOffHours:
			recs = append(recs, "Confirm scheduled automation ownership for off-hours activity")
		case schema.SignalPermissionEscalation:
			recs = append(recs, "Review newly granted scopes and revoke any that are unnecessary")
		case schema.SignalDataVolume:
			recs = append(recs, "Inspect the transferred data set for sensitive content")
		}
	}
	return recs
}
