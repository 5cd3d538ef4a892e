// Package correlate groups events across platforms and time into
// candidate workflow chains using a small state machine:
// Seed -> Growing -> Confirmed, with Expired as a terminal discard state
// softened by a bounded reopen grace period.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// LinkWeights are the confidence contributions per link type, strongest
// first: exact shared resource > shared URL/webhook target > temporal
// proximity alone.
type LinkWeights struct {
	Resource float64 `yaml:"resource"`
	URL      float64 `yaml:"url"`
	Temporal float64 `yaml:"temporal"`
}

// Config holds correlator tuning.
type Config struct {
	Window           time.Duration `yaml:"window"`            // correlation window, event-time keyed
	ConfirmThreshold float64       `yaml:"confirm_threshold"` // confidence to emit a chain
	GracePeriod      time.Duration `yaml:"grace_period"`      // reopen window after expiry
	SeedConfidence   float64       `yaml:"seed_confidence"`
	LinkWeights      LinkWeights   `yaml:"link_weights"`
	GraceCacheSize   int           `yaml:"grace_cache_size"`
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		Window:           5 * time.Minute,
		ConfirmThreshold: 0.7,
		GracePeriod:      5 * time.Minute,
		SeedConfidence:   0.3,
		LinkWeights:      LinkWeights{Resource: 0.5, URL: 0.35, Temporal: 0.2},
		GraceCacheSize:   4096,
	}
}

// Validate checks correlator configuration.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.ConfirmThreshold <= 0 || c.ConfirmThreshold > 1 {
		return fmt.Errorf("confirm_threshold must be in (0,1]")
	}
	if c.SeedConfidence < 0 || c.SeedConfidence >= c.ConfirmThreshold {
		return fmt.Errorf("seed_confidence must be in [0, confirm_threshold)")
	}
	return nil
}

// candidate is the mutable correlation state for one suspected workflow.
// Mutation happens under mu. Lock order is always Correlator.mu before
// candidate.mu when both are needed; candidate.mu is never held while
// acquiring Correlator.mu.
type candidate struct {
	id uuid.UUID // immutable copy of chain.ChainID, readable without mu

	mu    sync.Mutex
	chain schema.WorkflowChain
	keys  map[string]struct{} // link keys this candidate answers to
	last  time.Time           // max event timestamp seen
}

// CheckpointStore persists open candidates so correlation state survives
// restarts. Implementations must be safe for concurrent use.
type CheckpointStore interface {
	SaveCandidate(ctx context.Context, chain *schema.WorkflowChain) error
	DeleteCandidate(ctx context.Context, chainID uuid.UUID) error
	LoadCandidates(ctx context.Context) ([]schema.WorkflowChain, error)
}

// Correlator maintains candidate chains keyed by correlation key. The
// index lock serializes key lookups; per-candidate locks serialize chain
// mutation, so a slow candidate never blocks unrelated keys.
type Correlator struct {
	cfg    Config
	logger *slog.Logger
	store  CheckpointStore // optional

	mu      sync.RWMutex
	byKey   map[string]*candidate
	byID    map[uuid.UUID]*candidate
	maxSeen time.Time // max event timestamp observed, drives expiry

	grace *lru.Cache[string, *candidate]

	seeded    uint64
	confirmed uint64
	merged    uint64
	expired   uint64
	reopened  uint64
}

// New creates a Correlator. store may be nil to disable checkpointing.
func New(cfg Config, store CheckpointStore, logger *slog.Logger) (*Correlator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.GraceCacheSize
	if size <= 0 {
		size = 4096
	}
	grace, err := lru.New[string, *candidate](size)
	if err != nil {
		return nil, fmt.Errorf("grace cache: %w", err)
	}
	return &Correlator{
		cfg:    cfg,
		logger: logger,
		store:  store,
		byKey:  make(map[string]*candidate),
		byID:   make(map[uuid.UUID]*candidate),
		grace:  grace,
	}, nil
}

// Restore reloads checkpointed candidates, typically at startup.
func (c *Correlator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	chains, err := c.store.LoadCandidates(ctx)
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}

	c.mu.Lock()
	for i := range chains {
		chain := chains[i]
		cand := &candidate{
			id:    chain.ChainID,
			chain: chain,
			keys:  keysOfChain(&chain),
			last:  lastEventTime(&chain),
		}
		c.indexLocked(cand)
		if cand.last.After(c.maxSeen) {
			c.maxSeen = cand.last
		}
	}
	c.mu.Unlock()

	c.logger.Info("restored correlation candidates", "count", len(chains))
	return nil
}

// Process feeds one event through the correlator. automationIndicator
// marks events that may seed a new candidate. It returns any chains that
// reached the Confirmed state as point-in-time snapshots.
//
// Correlation decisions are a function of event timestamp, never
// ingestion order: replayed or delayed batches produce identical chains.
func (c *Correlator) Process(ctx context.Context, event *schema.ActivityEvent, automationIndicator bool) ([]schema.WorkflowChain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	links := linkKeys(event)
	c.advanceClock(event.Timestamp)

	matches := c.findMatches(event, links)

	if len(matches) == 0 {
		if !automationIndicator {
			return nil, nil
		}
		confirmed, err := c.seed(ctx, event, links)
		if err != nil {
			return nil, err
		}
		if confirmed != nil {
			return []schema.WorkflowChain{*confirmed}, nil
		}
		return nil, nil
	}

	target := matches[0]
	if len(matches) > 1 {
		target = c.merge(ctx, matches)
	}

	confirmed, err := c.append(ctx, target, event, links)
	if err != nil {
		return nil, err
	}
	if confirmed != nil {
		return []schema.WorkflowChain{*confirmed}, nil
	}
	return nil, nil
}

// advanceClock moves event-time forward and expires candidates without a
// qualifying event inside the window.
func (c *Correlator) advanceClock(ts time.Time) {
	var expiredIDs []uuid.UUID

	c.mu.Lock()
	if ts.After(c.maxSeen) {
		c.maxSeen = ts
	}
	now := c.maxSeen

	for id, cand := range c.byID {
		cand.mu.Lock()
		open := cand.chain.State == schema.ChainSeed || cand.chain.State == schema.ChainGrowing
		if open && now.Sub(cand.last) > c.cfg.Window {
			cand.chain.State = schema.ChainExpired
			cand.chain.UpdatedAt = cand.last
			for k := range cand.keys {
				delete(c.byKey, k)
				c.grace.Add(k, cand)
			}
			expiredIDs = append(expiredIDs, id)
		}
		cand.mu.Unlock()
	}
	for _, id := range expiredIDs {
		delete(c.byID, id)
		c.expired++
	}
	c.mu.Unlock()

	for _, id := range expiredIDs {
		c.deleteCheckpoint(id)
		c.logger.Debug("correlation candidate expired", "chain_id", id)
	}
}

// findMatches returns active candidates matching the event's link keys,
// strongest link first. Expired candidates still inside the grace period
// are reopened rather than left to seed a disconnected new chain.
func (c *Correlator) findMatches(event *schema.ActivityEvent, links []link) []*candidate {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		out  []*candidate
		seen = make(map[uuid.UUID]struct{})
	)
	for _, l := range links {
		if cand, ok := c.byKey[l.key]; ok {
			if _, dup := seen[cand.id]; !dup {
				seen[cand.id] = struct{}{}
				out = append(out, cand)
			}
			continue
		}
		if cand, ok := c.grace.Get(l.key); ok {
			if c.reopenLocked(cand, event.Timestamp) {
				if _, dup := seen[cand.id]; !dup {
					seen[cand.id] = struct{}{}
					out = append(out, cand)
				}
			}
		}
	}
	return out
}

// reopenLocked brings an expired candidate back to Growing when the new
// event falls within the grace period. Caller holds c.mu.
func (c *Correlator) reopenLocked(cand *candidate, ts time.Time) bool {
	cand.mu.Lock()
	defer cand.mu.Unlock()

	if cand.chain.State != schema.ChainExpired {
		return false
	}
	if ts.Sub(cand.last) > c.cfg.Window+c.cfg.GracePeriod {
		return false
	}

	cand.chain.State = schema.ChainGrowing
	c.indexLocked(cand)
	c.reopened++
	c.logger.Debug("reopened expired candidate", "chain_id", cand.chain.ChainID)
	return true
}

// indexLocked registers a candidate under all its keys. Caller holds c.mu.
func (c *Correlator) indexLocked(cand *candidate) {
	c.byID[cand.id] = cand
	for k := range cand.keys {
		c.byKey[k] = cand
		c.grace.Remove(k)
	}
}

// seed opens a new candidate with the event as trigger. The key lookup
// is re-checked under the index lock: a concurrent Process sharing a
// link key may have seeded between findMatches and here, and the event
// must attach to that candidate rather than index a duplicate.
func (c *Correlator) seed(ctx context.Context, event *schema.ActivityEvent, links []link) (*schema.WorkflowChain, error) {
	id := uuid.New()
	cand := &candidate{
		id: id,
		chain: schema.WorkflowChain{
			ChainID:               id,
			Platforms:             []schema.Platform{event.Platform},
			TriggerEvent:          *event,
			CorrelationConfidence: c.cfg.SeedConfidence,
			RiskLevel:             schema.RiskLow,
			State:                 schema.ChainSeed,
			CreatedAt:             event.Timestamp,
			UpdatedAt:             event.Timestamp,
		},
		keys: make(map[string]struct{}, len(links)),
		last: event.Timestamp,
	}
	for _, l := range links {
		cand.keys[l.key] = struct{}{}
	}
	if len(links) > 0 {
		cand.chain.CorrelationKey = links[0].key
		cand.chain.StrongestLink = links[0].typ
	}

	c.mu.Lock()
	for _, l := range links {
		if existing, ok := c.byKey[l.key]; ok {
			c.mu.Unlock()
			return c.append(ctx, existing, event, links)
		}
	}
	c.indexLocked(cand)
	c.seeded++
	// Snapshot before releasing the lock: once the index drops it, a
	// concurrent append may rewrite cand.chain.
	snap := cand.chain
	c.mu.Unlock()

	c.checkpoint(ctx, snap)
	c.logger.Debug("seeded correlation candidate",
		"chain_id", snap.ChainID,
		"platform", event.Platform,
		"key", snap.CorrelationKey,
	)
	return nil, nil
}

// append attaches an event to a candidate transactionally: the updated
// chain is built on a copy and committed in one step, so cancellation or
// failure leaves no partial state. Returns a snapshot when the candidate
// crosses the confirmation threshold.
func (c *Correlator) append(ctx context.Context, cand *candidate, event *schema.ActivityEvent, links []link) (*schema.WorkflowChain, error) {
	cand.mu.Lock()

	if err := ctx.Err(); err != nil {
		cand.mu.Unlock()
		return nil, err
	}

	// Ignore duplicate deliveries of the same event.
	if containsEvent(&cand.chain, event.EventID) {
		cand.mu.Unlock()
		return nil, nil
	}

	strongest := strongestSharedLink(cand, links)

	next := cand.chain
	next.ActionEvents = append(append([]schema.ActivityEvent(nil), cand.chain.ActionEvents...), *event)
	sortEvents(next.ActionEvents)
	next.Platforms = appendPlatform(append([]schema.Platform(nil), next.Platforms...), event.Platform)

	// Confidence only ever rises within a candidate's lifetime.
	conf := next.CorrelationConfidence + c.linkWeight(strongest)
	if conf > 1 {
		conf = 1
	}
	next.CorrelationConfidence = conf
	if next.StrongestLink == "" || rankLink(strongest) < rankLink(next.StrongestLink) {
		next.StrongestLink = strongest
	}
	if event.Timestamp.After(next.UpdatedAt) {
		next.UpdatedAt = event.Timestamp
	}
	if next.State == schema.ChainSeed {
		next.State = schema.ChainGrowing
	}

	var confirmedSnapshot *schema.WorkflowChain
	if next.State != schema.ChainConfirmed && conf >= c.cfg.ConfirmThreshold {
		next.State = schema.ChainConfirmed
		next.RiskLevel = chainRiskLevel(conf)
		snap := next
		confirmedSnapshot = &snap
	}

	// Commit.
	cand.chain = next
	if event.Timestamp.After(cand.last) {
		cand.last = event.Timestamp
	}
	var newKeys []string
	for _, l := range links {
		if _, ok := cand.keys[l.key]; !ok {
			cand.keys[l.key] = struct{}{}
			newKeys = append(newKeys, l.key)
		}
	}
	snapshot := cand.chain
	cand.mu.Unlock()

	if len(newKeys) > 0 || confirmedSnapshot != nil {
		c.mu.Lock()
		for _, k := range newKeys {
			c.byKey[k] = cand
			c.grace.Remove(k)
		}
		if confirmedSnapshot != nil {
			c.confirmed++
		}
		c.mu.Unlock()
	}

	if confirmedSnapshot != nil {
		c.logger.Info("workflow chain confirmed",
			"chain_id", snapshot.ChainID,
			"confidence", snapshot.CorrelationConfidence,
			"platforms", len(snapshot.Platforms),
			"events", snapshot.EventCount(),
		)
	}

	c.checkpoint(ctx, snapshot)
	return confirmedSnapshot, nil
}

// merge folds independently grown candidates that proved linked into one
// chain. The merged chain keeps the earliest trigger and a deduplicated,
// timestamp-ordered event list; conflicts favor the earlier trigger and,
// secondarily, the larger event set. Merges are logged as recoverable
// anomalies, never errors.
func (c *Correlator) merge(ctx context.Context, cands []*candidate) *candidate {
	// Lock all candidates in a deterministic order so concurrent merges
	// on overlapping sets cannot deadlock. Chain fields are only read
	// after every lock is held.
	locked := make([]*candidate, len(cands))
	copy(locked, cands)
	sort.Slice(locked, func(i, j int) bool {
		return locked[i].id.String() < locked[j].id.String()
	})
	for _, cand := range locked {
		cand.mu.Lock()
	}

	ordered := make([]*candidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := ordered[i].chain.TriggerEvent.Timestamp, ordered[j].chain.TriggerEvent.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		ci, cj := ordered[i].chain.EventCount(), ordered[j].chain.EventCount()
		if ci != cj {
			return ci > cj
		}
		return ordered[i].id.String() < ordered[j].id.String()
	})

	winner := ordered[0]

	merged := winner.chain
	merged.ActionEvents = append([]schema.ActivityEvent(nil), winner.chain.ActionEvents...)
	merged.Platforms = append([]schema.Platform(nil), winner.chain.Platforms...)
	maxConf := merged.CorrelationConfidence
	absorbed := make([]uuid.UUID, 0, len(ordered)-1)

	for _, other := range ordered[1:] {
		merged.ActionEvents = append(merged.ActionEvents, other.chain.TriggerEvent)
		merged.ActionEvents = append(merged.ActionEvents, other.chain.ActionEvents...)
		for _, p := range other.chain.Platforms {
			merged.Platforms = appendPlatform(merged.Platforms, p)
		}
		if other.chain.CorrelationConfidence > maxConf {
			maxConf = other.chain.CorrelationConfidence
		}
		if rankLink(other.chain.StrongestLink) < rankLink(merged.StrongestLink) {
			merged.StrongestLink = other.chain.StrongestLink
		}
		if other.chain.UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = other.chain.UpdatedAt
		}
		absorbed = append(absorbed, other.chain.ChainID)
	}
	merged.ActionEvents = dedupeEvents(merged.ActionEvents, merged.TriggerEvent.EventID)
	sortEvents(merged.ActionEvents)

	// The merge itself is evidence: credit half the merge link's weight
	// on top of the stronger branch, still capped at 1.
	conf := maxConf + c.linkWeight(merged.StrongestLink)/2
	if conf > 1 {
		conf = 1
	}
	merged.CorrelationConfidence = conf
	if merged.State == schema.ChainSeed {
		merged.State = schema.ChainGrowing
	}

	winner.chain = merged
	for _, other := range ordered[1:] {
		if other.last.After(winner.last) {
			winner.last = other.last
		}
		for k := range other.keys {
			winner.keys[k] = struct{}{}
		}
	}
	winnerKeys := make([]string, 0, len(winner.keys))
	for k := range winner.keys {
		winnerKeys = append(winnerKeys, k)
	}
	snapshot := winner.chain

	for _, cand := range locked {
		cand.mu.Unlock()
	}

	c.mu.Lock()
	for _, id := range absorbed {
		delete(c.byID, id)
	}
	for _, k := range winnerKeys {
		c.byKey[k] = winner
		c.grace.Remove(k)
	}
	c.merged++
	c.mu.Unlock()

	for _, id := range absorbed {
		c.deleteCheckpoint(id)
	}

	c.logger.Warn("merged correlation candidates",
		"winner", snapshot.ChainID,
		"absorbed", len(absorbed),
		"confidence", conf,
	)

	c.checkpoint(ctx, snapshot)
	return winner
}

func (c *Correlator) checkpoint(ctx context.Context, snap schema.WorkflowChain) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCandidate(ctx, &snap); err != nil {
		c.logger.Warn("candidate checkpoint failed", "chain_id", snap.ChainID, "error", err)
	}
}

func (c *Correlator) deleteCheckpoint(chainID uuid.UUID) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.DeleteCandidate(ctx, chainID); err != nil {
		c.logger.Warn("checkpoint delete failed", "chain_id", chainID, "error", err)
	}
}

// Snapshot returns point-in-time copies of all open candidates for
// read-only consumers.
func (c *Correlator) Snapshot() []schema.WorkflowChain {
	c.mu.RLock()
	cands := make([]*candidate, 0, len(c.byID))
	for _, cand := range c.byID {
		cands = append(cands, cand)
	}
	c.mu.RUnlock()

	out := make([]schema.WorkflowChain, 0, len(cands))
	for _, cand := range cands {
		cand.mu.Lock()
		out = append(out, cand.chain)
		cand.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns correlator counters.
func (c *Correlator) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"open_candidates": len(c.byID),
		"seeded":          c.seeded,
		"confirmed":       c.confirmed,
		"merged":          c.merged,
		"expired":         c.expired,
		"reopened":        c.reopened,
	}
}

func (c *Correlator) linkWeight(t schema.LinkType) float64 {
	switch t {
	case schema.LinkSharedResource:
		return c.cfg.LinkWeights.Resource
	case schema.LinkSharedURL:
		return c.cfg.LinkWeights.URL
	default:
		return c.cfg.LinkWeights.Temporal
	}
}

// link pairs a correlation key with the link type it represents.
type link struct {
	key string
	typ schema.LinkType
}

// linkKeys derives the event's correlation keys, strongest first.
func linkKeys(event *schema.ActivityEvent) []link {
	var out []link
	if event.ResourceID != "" {
		out = append(out, link{key: "res:" + event.ResourceID, typ: schema.LinkSharedResource})
	}
	if u := externalURL(event); u != "" {
		out = append(out, link{key: "url:" + u, typ: schema.LinkSharedURL})
	}
	// Temporal proximity alone is anchored on cross-platform actor
	// identity; bare time adjacency would link unrelated workflows.
	if actor := actorKey(event); actor != "" {
		out = append(out, link{key: "actor:" + actor, typ: schema.LinkTemporal})
	}
	return out
}

func externalURL(event *schema.ActivityEvent) string {
	for _, key := range []string{"webhook_url", "external_url", "target_url", "url"} {
		if v := event.MetadataString(key); v != "" {
			return strings.ToLower(strings.TrimRight(v, "/"))
		}
	}
	return ""
}

func actorKey(event *schema.ActivityEvent) string {
	if event.ActorEmail != "" {
		return strings.ToLower(event.ActorEmail)
	}
	return event.ActorID
}

// strongestSharedLink picks the strongest link type the event shares with
// the candidate. Caller holds cand.mu.
func strongestSharedLink(cand *candidate, links []link) schema.LinkType {
	best := schema.LinkTemporal
	bestRank := rankLink(best) + 1
	for _, l := range links {
		if _, ok := cand.keys[l.key]; !ok {
			continue
		}
		if r := rankLink(l.typ); r < bestRank {
			bestRank = r
			best = l.typ
		}
	}
	return best
}

func rankLink(t schema.LinkType) int {
	switch t {
	case schema.LinkSharedResource:
		return 0
	case schema.LinkSharedURL:
		return 1
	case schema.LinkTemporal:
		return 2
	default:
		return 3
	}
}

func chainRiskLevel(conf float64) schema.RiskLevel {
	switch {
	case conf >= 0.95:
		return schema.RiskCritical
	case conf >= 0.85:
		return schema.RiskHigh
	default:
		return schema.RiskMedium
	}
}

func containsEvent(chain *schema.WorkflowChain, id uuid.UUID) bool {
	if chain.TriggerEvent.EventID == id {
		return true
	}
	for i := range chain.ActionEvents {
		if chain.ActionEvents[i].EventID == id {
			return true
		}
	}
	return false
}

func sortEvents(events []schema.ActivityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].EventID.String() < events[j].EventID.String()
	})
}

func dedupeEvents(events []schema.ActivityEvent, triggerID uuid.UUID) []schema.ActivityEvent {
	seen := map[uuid.UUID]struct{}{triggerID: {}}
	out := events[:0]
	for _, e := range events {
		if _, dup := seen[e.EventID]; dup {
			continue
		}
		seen[e.EventID] = struct{}{}
		out = append(out, e)
	}
	return out
}

func appendPlatform(platforms []schema.Platform, p schema.Platform) []schema.Platform {
	for _, existing := range platforms {
		if existing == p {
			return platforms
		}
	}
	return append(platforms, p)
}

func keysOfChain(chain *schema.WorkflowChain) map[string]struct{} {
	keys := make(map[string]struct{})
	add := func(event *schema.ActivityEvent) {
		for _, l := range linkKeys(event) {
			keys[l.key] = struct{}{}
		}
	}
	add(&chain.TriggerEvent)
	for i := range chain.ActionEvents {
		add(&chain.ActionEvents[i])
	}
	return keys
}

func lastEventTime(chain *schema.WorkflowChain) time.Time {
	last := chain.TriggerEvent.Timestamp
	for i := range chain.ActionEvents {
		if chain.ActionEvents[i].Timestamp.After(last) {
			last = chain.ActionEvents[i].Timestamp
		}
	}
	return last
}
