package detect

import (
	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// DataVolumeDetector flags windows where aggregate resource-access count
// or payload bytes exceed configured thresholds, the signature of bulk
// export or scraping.
type DataVolumeDetector struct{}

// NewDataVolumeDetector creates a DataVolumeDetector.
func NewDataVolumeDetector() *DataVolumeDetector {
	return &DataVolumeDetector{}
}

func (d *DataVolumeDetector) Name() string                  { return "data_volume" }
func (d *DataVolumeDetector) SignalType() schema.SignalType { return schema.SignalDataVolume }

// Evaluate sums access counts and payload sizes over the densest
// data-volume window and fires when either threshold is exceeded.
func (d *DataVolumeDetector) Evaluate(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal {
	run := densestRun(window, th.DataVolumeWindow)
	if len(run) == 0 {
		return nil
	}

	var totalBytes int64
	for i := range run {
		totalBytes += payloadBytes(&run[i])
	}

	countRatio := float64(len(run)) / float64(th.DataVolumeMaxEvents)
	bytesRatio := float64(totalBytes) / float64(th.DataVolumeMaxBytes)

	ratio := countRatio
	trigger := "event_count"
	if bytesRatio > ratio {
		ratio = bytesRatio
		trigger = "payload_bytes"
	}
	if ratio <= 1 {
		return nil
	}

	confidence := schema.ClampConfidence(50 + (ratio-1)*50)
	span := run[len(run)-1].Timestamp.Sub(run[0].Timestamp)

	return []schema.DetectionSignal{{
		SignalID:   uuid.New(),
		SignalType: schema.SignalDataVolume,
		EntityID:   state.EntityID,
		Platform:   state.Platform,
		Confidence: confidence,
		Timestamp:  run[len(run)-1].Timestamp,
		Evidence: map[string]any{
			"event_count":    len(run),
			"total_bytes":    totalBytes,
			"time_window_ms": span.Milliseconds(),
			"triggered_by":   trigger,
		},
		SourceEventIDs: eventIDs(run),
	}}
}

// payloadBytes reads the payload size from event metadata, zero if absent.
func payloadBytes(event *schema.ActivityEvent) int64 {
	if event.RawMetadata == nil {
		return 0
	}
	for _, key := range []string{"bytes", "size", "payload_bytes", "content_length"} {
		switch v := event.RawMetadata[key].(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}
