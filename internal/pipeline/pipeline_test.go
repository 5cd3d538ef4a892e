package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"shadowscan/internal/correlate"
	"shadowscan/internal/detect"
	"shadowscan/internal/entity"
	"shadowscan/internal/feedback"
	"shadowscan/internal/normalize"
	"shadowscan/internal/queue"
	"shadowscan/internal/risk"
	"shadowscan/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSink struct {
	mu      sync.Mutex
	signals []schema.DetectionSignal
}

func (s *memSink) SaveSignals(_ context.Context, signals []schema.DetectionSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signals...)
	return nil
}

func (s *memSink) byType(t schema.SignalType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.signals {
		if sig.SignalType == t {
			n++
		}
	}
	return n
}

type memChains struct {
	mu     sync.Mutex
	chains []schema.WorkflowChain
}

func (s *memChains) SaveChain(_ context.Context, chain *schema.WorkflowChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = append(s.chains, *chain)
	return nil
}

type fixture struct {
	pipeline   *Pipeline
	correlator *correlate.Correlator
	tracker    *entity.Tracker
	sink       *memSink
	chains     *memChains
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := testLogger()

	calibrator, err := feedback.NewCalibrator(feedback.DefaultCalibratorConfig(), detect.DefaultThresholds(), logger)
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}
	correlator, err := correlate.New(correlate.DefaultConfig(), nil, logger)
	if err != nil {
		t.Fatalf("correlate.New() error = %v", err)
	}

	tracker := entity.NewTracker(entity.DefaultConfig(), risk.NewAggregator(risk.DefaultConfig()), nil, nil, logger)
	sink := &memSink{}
	chains := &memChains{}

	p, err := New(cfg, Deps{
		Normalizer: normalize.New(normalize.DefaultConfig()),
		Registry:   detect.NewDefaultRegistry(logger),
		Calibrator: calibrator,
		Tracker:    tracker,
		Correlator: correlator,
		Signals:    sink,
		Chains:     chains,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{pipeline: p, correlator: correlator, tracker: tracker, sink: sink, chains: chains}
}

var testBase = time.Date(2026, 8, 4, 10, 0, 0, 0, time.UTC)

// slackRecord builds a raw Slack audit record in the export shape the
// built-in field map expects.
func slackRecord(actor, resource string, ts time.Time) map[string]any {
	return map[string]any{
		"date_create": ts.Format(time.RFC3339Nano),
		"action":      "file_download",
		"actor": map[string]any{
			"user": map[string]any{
				"id":    actor,
				"email": actor + "@corp.example",
			},
		},
		"entity": map[string]any{
			"type": "file",
			"id":   resource,
		},
	}
}

func TestPipeline_BurstProducesSignalsAndSeedsCorrelation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.ArchiveSweepInterval = 0
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.pipeline.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Twelve events in under six seconds: past the velocity minimum and
	// more than one event per second.
	for i := 0; i < 12; i++ {
		ts := testBase.Add(time.Duration(i) * 500 * time.Millisecond)
		if err := f.pipeline.Ingest(ctx, schema.PlatformSlack, slackRecord("U999", "doc-1", ts)); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	f.pipeline.Stop()

	if got := f.sink.byType(schema.SignalVelocity); got == 0 {
		t.Error("no velocity signals persisted")
	}

	entityID := "slack:U999"
	tracked, err := f.tracker.Get(entityID)
	if err != nil {
		t.Fatalf("tracker.Get(%s) error = %v", entityID, err)
	}
	if tracked.Risk == nil || tracked.Risk.Score <= 0 {
		t.Error("tracked entity has no risk assessment")
	}

	stats := f.correlator.Stats()
	if seeded := stats["seeded"].(uint64); seeded == 0 {
		t.Error("automation burst did not seed a correlation candidate")
	}

	pstats := f.pipeline.Stats()
	if accepted := pstats["accepted"].(uint64); accepted != 12 {
		t.Errorf("accepted = %d, want 12", accepted)
	}
}

func TestPipeline_MalformedRecordsDropped(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)

	ctx := context.Background()

	// Missing actor identity.
	raw := slackRecord("U1", "doc-1", testBase)
	delete(raw, "actor")
	if err := f.pipeline.Ingest(ctx, schema.PlatformSlack, raw); err != nil {
		t.Errorf("Ingest() malformed record error = %v, want nil", err)
	}

	// Unparseable payload.
	if err := f.pipeline.HandleRaw(ctx, "slack", []byte("{not json")); err != nil {
		t.Errorf("HandleRaw() bad payload error = %v, want nil", err)
	}

	stats := f.pipeline.Stats()
	if malformed := stats["malformed"].(uint64); malformed != 2 {
		t.Errorf("malformed = %d, want 2", malformed)
	}
	if accepted := stats["accepted"].(uint64); accepted != 0 {
		t.Errorf("accepted = %d, want 0", accepted)
	}
}

func TestPipeline_LateEventsDropped(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)

	ctx := context.Background()

	if err := f.pipeline.Ingest(ctx, schema.PlatformSlack, slackRecord("U1", "doc-1", testBase)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	// Ten minutes behind the high-water mark, past the lateness bound.
	if err := f.pipeline.Ingest(ctx, schema.PlatformSlack, slackRecord("U1", "doc-1", testBase.Add(-10*time.Minute))); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	stats := f.pipeline.Stats()
	if late := stats["late"].(uint64); late != 1 {
		t.Errorf("late = %d, want 1", late)
	}
	if accepted := stats["accepted"].(uint64); accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}
}

func TestPipeline_FullQueueReturnsBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	f := newFixture(t, cfg)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ts := testBase.Add(time.Duration(i) * time.Second)
		if err := f.pipeline.Ingest(ctx, schema.PlatformSlack, slackRecord("U1", "doc-1", ts)); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	err := f.pipeline.Ingest(ctx, schema.PlatformSlack, slackRecord("U1", "doc-1", testBase.Add(2*time.Second)))
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("Ingest() error = %v, want ErrQueueFull", err)
	}
}

func TestPipeline_RequiresCoreDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{Logger: testLogger()})
	if err == nil {
		t.Error("New() accepted missing core dependencies")
	}
}
