package detect

import (
	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// OffHoursDetector flags activity outside the organization's business
// hours calendar, including weekends. The confidence is a fixed weight;
// it does not scale with event count.
type OffHoursDetector struct{}

// NewOffHoursDetector creates an OffHoursDetector.
func NewOffHoursDetector() *OffHoursDetector {
	return &OffHoursDetector{}
}

func (d *OffHoursDetector) Name() string                  { return "off_hours" }
func (d *OffHoursDetector) SignalType() schema.SignalType { return schema.SignalOffHours }

// Evaluate emits one signal when any window events fall outside business
// hours.
func (d *OffHoursDetector) Evaluate(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal {
	var outside []schema.ActivityEvent
	for _, event := range window {
		if !th.Calendar.InBusinessHours(event.Timestamp) {
			outside = append(outside, event)
		}
	}
	if len(outside) == 0 {
		return nil
	}

	return []schema.DetectionSignal{{
		SignalID:   uuid.New(),
		SignalType: schema.SignalOffHours,
		EntityID:   state.EntityID,
		Platform:   state.Platform,
		Confidence: schema.ClampConfidence(th.OffHoursConfidence),
		Timestamp:  outside[len(outside)-1].Timestamp,
		Evidence: map[string]any{
			"event_count": len(outside),
			"first_event": outside[0].Timestamp,
			"last_event":  outside[len(outside)-1].Timestamp,
			"timezone":    th.Calendar.Timezone,
		},
		SourceEventIDs: eventIDs(outside),
	}}
}
