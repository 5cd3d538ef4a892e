package detect

import (
	"fmt"
	"time"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// BatchOperationDetector flags repeated identical operations: the same
// actor performing the same action on the same resource type many times
// inside a short window, the signature of scripted bulk activity.
type BatchOperationDetector struct{}

// NewBatchOperationDetector creates a BatchOperationDetector.
func NewBatchOperationDetector() *BatchOperationDetector {
	return &BatchOperationDetector{}
}

func (d *BatchOperationDetector) Name() string                  { return "batch_operation" }
func (d *BatchOperationDetector) SignalType() schema.SignalType { return schema.SignalBatchOperation }

// Evaluate groups window events by (actor, resource type, action) and
// fires once per group whose densest batch-window run reaches the
// threshold.
func (d *BatchOperationDetector) Evaluate(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal {
	groups := make(map[string][]schema.ActivityEvent)
	order := make([]string, 0)
	for _, event := range window {
		key := fmt.Sprintf("%s|%s|%s", event.ActorID, event.ResourceType, event.Action)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], event)
	}

	var signals []schema.DetectionSignal
	for _, key := range order {
		events := groups[key]
		run := densestRun(events, th.BatchWindow)
		if len(run) < th.BatchThreshold {
			continue
		}

		span := run[len(run)-1].Timestamp.Sub(run[0].Timestamp)
		over := len(run) - th.BatchThreshold
		confidence := schema.ClampConfidence(60 + float64(over)*2)

		signals = append(signals, schema.DetectionSignal{
			SignalID:   uuid.New(),
			SignalType: schema.SignalBatchOperation,
			EntityID:   state.EntityID,
			Platform:   state.Platform,
			Confidence: confidence,
			Timestamp:  run[len(run)-1].Timestamp,
			Evidence: map[string]any{
				"event_count":    len(run),
				"time_window_ms": span.Milliseconds(),
				"action":         run[0].Action,
				"resource_type":  run[0].ResourceType,
				"threshold":      th.BatchThreshold,
			},
			SourceEventIDs: eventIDs(run),
		})
	}
	return signals
}

// densestRun returns the largest subsequence of events (sorted by
// timestamp) that fits inside one window, inclusive start and exclusive
// end.
func densestRun(events []schema.ActivityEvent, window time.Duration) []schema.ActivityEvent {
	var best []schema.ActivityEvent
	j := 0
	for i := 0; i < len(events); i++ {
		limit := events[i].Timestamp.Add(window)
		if j < i {
			j = i
		}
		for j < len(events) && events[j].Timestamp.Before(limit) {
			j++
		}
		if j-i > len(best) {
			best = events[i:j]
		}
	}
	return best
}
