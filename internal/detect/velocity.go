package detect

import (
	"time"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// VelocityDetector flags entities emitting events faster than a human
// plausibly could. It scans the window for the densest burst and compares
// its event rate against the configured threshold. Window boundaries are
// inclusive-start/exclusive-end on event timestamp, so replay and
// out-of-order arrival produce identical results for identical event sets.
type VelocityDetector struct{}

// NewVelocityDetector creates a VelocityDetector.
func NewVelocityDetector() *VelocityDetector {
	return &VelocityDetector{}
}

func (d *VelocityDetector) Name() string                  { return "velocity" }
func (d *VelocityDetector) SignalType() schema.SignalType { return schema.SignalVelocity }

// Evaluate emits at most one signal for the densest qualifying burst.
func (d *VelocityDetector) Evaluate(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal {
	if len(window) < th.VelocityMinEvents {
		return nil
	}

	var (
		bestRate  float64
		bestStart int
		bestEnd   int // exclusive
	)

	// Two-pointer sweep: for each start event, extend to the last event
	// inside [start, start+window).
	j := 0
	for i := 0; i < len(window); i++ {
		limit := window[i].Timestamp.Add(th.VelocityWindow)
		if j < i {
			j = i
		}
		for j < len(window) && window[j].Timestamp.Before(limit) {
			j++
		}

		count := j - i
		if count < th.VelocityMinEvents {
			continue
		}

		span := window[j-1].Timestamp.Sub(window[i].Timestamp)
		if span < time.Second {
			span = time.Second
		}
		rate := float64(count) / span.Seconds()
		if rate > bestRate {
			bestRate = rate
			bestStart = i
			bestEnd = j
		}
	}

	if bestRate <= th.VelocityRate {
		return nil
	}

	burst := window[bestStart:bestEnd]
	ratio := bestRate / th.VelocityRate
	confidence := schema.ClampConfidence(ratio * 25)

	return []schema.DetectionSignal{{
		SignalID:   uuid.New(),
		SignalType: schema.SignalVelocity,
		EntityID:   state.EntityID,
		Platform:   state.Platform,
		Confidence: confidence,
		Timestamp:  burst[len(burst)-1].Timestamp,
		Evidence: map[string]any{
			"event_count":    len(burst),
			"window_seconds": th.VelocityWindow.Seconds(),
			"observed_rate":  bestRate,
			"rate_threshold": th.VelocityRate,
		},
		SourceEventIDs: eventIDs(burst),
	}}
}
