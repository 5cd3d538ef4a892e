// Package metrics exposes Prometheus collectors for the detection engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowscan",
			Name:      "events_total",
			Help:      "Activity events processed, partitioned by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowscan",
			Name:      "signals_total",
			Help:      "Detection signals emitted, partitioned by pattern type.",
		},
		[]string{"pattern"},
	)

	chainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowscan",
			Name:      "chains_total",
			Help:      "Correlation candidate transitions, partitioned by transition.",
		},
		[]string{"transition"},
	)

	feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowscan",
			Name:      "feedback_total",
			Help:      "Analyst feedback recorded, partitioned by sentiment.",
		},
		[]string{"sentiment"},
	)

	detectionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "shadowscan",
			Name:      "detection_seconds",
			Help:      "Per-event detection pass latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	thresholdVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shadowscan",
			Name:      "threshold_version",
			Help:      "Version of the active detection threshold set.",
		},
	)

	trackedEntities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shadowscan",
			Name:      "tracked_entities",
			Help:      "Entities currently tracked (archived entities included).",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shadowscan",
			Name:      "queue_depth",
			Help:      "Events waiting in the intake queue.",
		},
	)
)

// Register attaches shadowscan collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsTotal,
		signalsTotal,
		chainsTotal,
		feedbackTotal,
		detectionSeconds,
		thresholdVersion,
		trackedEntities,
		queueDepth,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEvent records one processed event. Outcome is "ok", "malformed",
// or "late".
func ObserveEvent(platform, outcome string) {
	eventsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveSignal records one emitted detection signal.
func ObserveSignal(pattern string) {
	signalsTotal.WithLabelValues(pattern).Inc()
}

// ObserveChain records one correlation candidate transition: "seeded",
// "confirmed", "merged", "expired", or "reopened".
func ObserveChain(transition string) {
	chainsTotal.WithLabelValues(transition).Inc()
}

// ObserveFeedback records one analyst feedback submission.
func ObserveFeedback(sentiment string) {
	feedbackTotal.WithLabelValues(sentiment).Inc()
}

// ObserveDetection records a detection pass duration.
func ObserveDetection(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	detectionSeconds.Observe(duration.Seconds())
}

// SetThresholdVersion publishes the active threshold set version.
func SetThresholdVersion(version int) {
	thresholdVersion.Set(float64(version))
}

// SetTrackedEntities publishes the tracked entity count.
func SetTrackedEntities(n int) {
	trackedEntities.Set(float64(n))
}

// SetQueueDepth publishes the intake queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
