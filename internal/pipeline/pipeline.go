// Package pipeline runs the detection path: raw records are normalized,
// routed through per-entity detector windows, risk-aggregated, and fed
// into the cross-platform correlator.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shadowscan/internal/correlate"
	"shadowscan/internal/detect"
	"shadowscan/internal/entity"
	"shadowscan/internal/feedback"
	"shadowscan/internal/metrics"
	"shadowscan/internal/normalize"
	"shadowscan/internal/queue"
	"shadowscan/internal/schema"
)

// Config holds pipeline tuning.
type Config struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
	// MaxLateness bounds how far behind the event-time high-water mark an
	// event may arrive before it is dropped with a warning.
	MaxLateness time.Duration `yaml:"max_lateness"`
	// WindowSpan is how much per-entity history detectors see.
	WindowSpan time.Duration `yaml:"window_span"`
	// MaxWindowEvents caps the per-entity window regardless of span.
	MaxWindowEvents int `yaml:"max_window_events"`
	// ArchiveSweepInterval is how often inactive entities are archived.
	ArchiveSweepInterval time.Duration `yaml:"archive_sweep_interval"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		QueueSize:            65536,
		ShutdownWait:         30 * time.Second,
		MaxLateness:          5 * time.Minute,
		WindowSpan:           time.Hour,
		MaxWindowEvents:      512,
		ArchiveSweepInterval: time.Hour,
	}
}

// SignalSink persists emitted detection signals.
type SignalSink interface {
	SaveSignals(ctx context.Context, signals []schema.DetectionSignal) error
}

// ChainStore persists confirmed workflow chains.
type ChainStore interface {
	SaveChain(ctx context.Context, chain *schema.WorkflowChain) error
}

// ChainPublisher emits confirmed workflow chains to downstream consumers.
type ChainPublisher interface {
	PublishChain(ctx context.Context, chain *schema.WorkflowChain) error
}

// Deps collects the pipeline's collaborators. Signals, Chains, and
// Publisher are optional; the rest are required.
type Deps struct {
	Normalizer *normalize.Normalizer
	Registry   *detect.Registry
	Calibrator *feedback.Calibrator
	Tracker    *entity.Tracker
	Correlator *correlate.Correlator
	Signals    SignalSink
	Chains     ChainStore
	Publisher  ChainPublisher
	Logger     *slog.Logger
}

// Pipeline wires intake to detection. Events for the same entity always
// land on the same worker, so per-entity processing is sequential while
// distinct entities run in parallel.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	normalizer *normalize.Normalizer
	registry   *detect.Registry
	calibrator *feedback.Calibrator
	tracker    *entity.Tracker
	correlator *correlate.Correlator
	signals    SignalSink
	chains     ChainStore
	publisher  ChainPublisher

	intake  *queue.RingBuffer
	lanes   []chan *schema.ActivityEvent
	maxSeen atomic.Int64 // event-time high-water mark, unix nanos

	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
	started    atomic.Bool

	accepted  uint64
	malformed uint64
	late      uint64
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pipeline: workers must be positive")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.WindowSpan <= 0 {
		cfg.WindowSpan = DefaultConfig().WindowSpan
	}
	if cfg.MaxWindowEvents <= 0 {
		cfg.MaxWindowEvents = DefaultConfig().MaxWindowEvents
	}
	if deps.Normalizer == nil || deps.Registry == nil || deps.Calibrator == nil ||
		deps.Tracker == nil || deps.Correlator == nil {
		return nil, fmt.Errorf("pipeline: normalizer, registry, calibrator, tracker, and correlator are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Pipeline{
		cfg:        cfg,
		logger:     deps.Logger,
		normalizer: deps.Normalizer,
		registry:   deps.Registry,
		calibrator: deps.Calibrator,
		tracker:    deps.Tracker,
		correlator: deps.Correlator,
		signals:    deps.Signals,
		chains:     deps.Chains,
		publisher:  deps.Publisher,
		intake:     queue.NewRingBuffer(cfg.QueueSize),
	}, nil
}

// Start launches the dispatcher, workers, and archive sweeper.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started.Swap(true) {
		return errors.New("pipeline: already started")
	}

	p.lanes = make([]chan *schema.ActivityEvent, p.cfg.Workers)
	for i := range p.lanes {
		p.lanes[i] = make(chan *schema.ActivityEvent, 256)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, p.lanes[i])
	}

	p.dispatchWG.Add(1)
	go p.dispatch()

	if p.cfg.ArchiveSweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}

	p.logger.Info("pipeline started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
	return nil
}

// HandleRaw processes one raw connector payload. The platform name comes
// from the record key; the payload is the platform-native audit record.
// Malformed payloads are counted and dropped, never retried.
func (p *Pipeline) HandleRaw(ctx context.Context, platform string, payload []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		atomic.AddUint64(&p.malformed, 1)
		metrics.ObserveEvent(platform, "malformed")
		p.logger.Warn("unparseable record payload", "platform", platform, "error", err)
		return nil
	}
	return p.Ingest(ctx, schema.Platform(platform), raw)
}

// Ingest normalizes one raw record and enqueues it for detection.
// A full queue is the only error returned: the caller should treat it as
// backpressure and redeliver.
func (p *Pipeline) Ingest(_ context.Context, platform schema.Platform, raw map[string]any) error {
	event, err := p.normalizer.Normalize(raw, platform)
	if err != nil {
		atomic.AddUint64(&p.malformed, 1)
		metrics.ObserveEvent(string(platform), "malformed")
		p.logger.Warn("record rejected at normalization", "platform", platform, "error", err)
		return nil
	}

	ts := event.Timestamp.UnixNano()
	if p.cfg.MaxLateness > 0 {
		if hwm := p.maxSeen.Load(); hwm > 0 && hwm-ts > int64(p.cfg.MaxLateness) {
			atomic.AddUint64(&p.late, 1)
			metrics.ObserveEvent(string(platform), "late")
			p.logger.Warn("dropping late event",
				"platform", platform,
				"event_id", event.EventID,
				"behind", time.Duration(p.maxSeen.Load()-ts),
			)
			return nil
		}
	}
	for {
		hwm := p.maxSeen.Load()
		if ts <= hwm || p.maxSeen.CompareAndSwap(hwm, ts) {
			break
		}
	}

	if err := p.intake.Push(event); err != nil {
		return fmt.Errorf("pipeline intake: %w", err)
	}

	atomic.AddUint64(&p.accepted, 1)
	metrics.ObserveEvent(string(platform), "ok")
	metrics.SetQueueDepth(p.intake.Len())
	return nil
}

// dispatch routes queued events to worker lanes by entity, so each
// entity's events are processed in order by a single worker.
func (p *Pipeline) dispatch() {
	defer p.dispatchWG.Done()

	for {
		event, err := p.intake.PopBlocking()
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			p.logger.Warn("unexpected intake error", "error", err)
			continue
		}
		p.lanes[p.lane(entity.EntityID(event))] <- event
	}
}

func (p *Pipeline) lane(entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

func (p *Pipeline) worker(ctx context.Context, id int, lane <-chan *schema.ActivityEvent) {
	defer p.wg.Done()

	// Windows are worker-local: entity routing guarantees no other
	// goroutine touches them.
	windows := make(map[string][]schema.ActivityEvent)

	p.logger.Debug("pipeline worker started", "worker_id", id)
	for event := range lane {
		p.processEvent(ctx, windows, event)
	}
	p.logger.Debug("pipeline worker stopped", "worker_id", id)
}

func (p *Pipeline) processEvent(ctx context.Context, windows map[string][]schema.ActivityEvent, event *schema.ActivityEvent) {
	state := p.tracker.ObserveEvent(event)
	entityID := entity.EntityID(event)

	window := p.advanceWindow(windows, entityID, event)

	th := p.calibrator.Current()
	metrics.SetThresholdVersion(int(th.Version))

	start := time.Now()
	signals := p.registry.EvaluateAll(window, state, th)
	metrics.ObserveDetection(time.Since(start))

	for i := range signals {
		metrics.ObserveSignal(string(signals[i].SignalType))
	}

	if _, err := p.tracker.RecordSignals(ctx, event, signals); err != nil {
		p.logger.Error("failed to record signals", "entity_id", entityID, "error", err)
	}
	if len(signals) > 0 && p.signals != nil {
		if err := p.signals.SaveSignals(ctx, signals); err != nil {
			p.logger.Error("failed to persist signals", "entity_id", entityID, "error", err)
		}
	}

	confirmed, err := p.correlator.Process(ctx, event, len(signals) > 0)
	if err != nil {
		p.logger.Error("correlation failed", "event_id", event.EventID, "error", err)
		return
	}

	for i := range confirmed {
		chain := &confirmed[i]
		metrics.ObserveChain("confirmed")
		if p.publisher != nil {
			if err := p.publisher.PublishChain(ctx, chain); err != nil {
				p.logger.Error("failed to publish chain", "chain_id", chain.ChainID, "error", err)
			}
		}
		if p.chains != nil {
			if err := p.chains.SaveChain(ctx, chain); err != nil {
				p.logger.Error("failed to persist chain", "chain_id", chain.ChainID, "error", err)
			}
		}
	}
}

// advanceWindow appends the event to its entity window and prunes
// history outside the span or beyond the event cap. Pruning uses event
// time, so replays see identical windows.
func (p *Pipeline) advanceWindow(windows map[string][]schema.ActivityEvent, entityID string, event *schema.ActivityEvent) []schema.ActivityEvent {
	window := append(windows[entityID], *event)

	cutoff := event.Timestamp.Add(-p.cfg.WindowSpan)
	firstLive := 0
	for firstLive < len(window) && window[firstLive].Timestamp.Before(cutoff) {
		firstLive++
	}
	if over := len(window) - firstLive - p.cfg.MaxWindowEvents; over > 0 {
		firstLive += over
	}
	if firstLive > 0 {
		window = append(window[:0:0], window[firstLive:]...)
	}

	windows[entityID] = window
	return window
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ArchiveSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			archived, err := p.tracker.ArchiveInactive(ctx, now.UTC())
			if err != nil {
				p.logger.Error("archive sweep failed", "error", err)
			} else if archived > 0 {
				p.logger.Info("archive sweep complete", "archived", archived)
			}
			if stats := p.tracker.Stats(); stats != nil {
				if n, ok := stats["entities"].(int); ok {
					metrics.SetTrackedEntities(n)
				}
			}
		}
	}
}

// Stop drains the intake queue and shuts the workers down, waiting at
// most ShutdownWait for in-flight events to finish.
func (p *Pipeline) Stop() {
	p.intake.Close()
	p.dispatchWG.Wait()
	for _, lane := range p.lanes {
		close(lane)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pipeline stopped")
	case <-time.After(p.cfg.ShutdownWait):
		p.logger.Warn("pipeline shutdown timed out")
	}
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() map[string]any {
	return map[string]any{
		"accepted":  atomic.LoadUint64(&p.accepted),
		"malformed": atomic.LoadUint64(&p.malformed),
		"late":      atomic.LoadUint64(&p.late),
		"queue":     p.intake.Metrics(),
	}
}
