package detect

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// Match-tier confidences. Exact endpoint beats user-agent beats keywords.
const (
	confEndpoint  = 100
	confUserAgent = 70
	confKeyword   = 40
)

// providerFingerprint describes how one AI provider shows up in activity.
type providerFingerprint struct {
	Provider string
	Priority int // lower wins confidence ties
	Hosts    []string
	// HostSuffixes match subdomain-per-tenant providers (e.g. Azure).
	HostSuffixes []string
	UserAgents   []string
	Keywords     []string
}

// modelPattern extracts a best-effort model name from matched evidence.
var modelPattern = regexp.MustCompile(`(gpt-[a-z0-9.\-]+|o[134](?:-mini|-pro)?|claude-[a-z0-9.\-]+|gemini-[a-z0-9.\-]+|command(?:-r)?(?:-plus)?|mistral-[a-z0-9.\-]+|codestral-[a-z0-9.\-]+)`)

// builtinFingerprints returns the shipped provider fingerprint table.
func builtinFingerprints() []providerFingerprint {
	return []providerFingerprint{
		{
			Provider:   "openai",
			Priority:   1,
			Hosts:      []string{"api.openai.com"},
			UserAgents: []string{"openai-python", "openai-node", "openai/"},
			Keywords:   []string{"chat/completions", "gpt-", "text-embedding"},
		},
		{
			Provider:   "anthropic",
			Priority:   2,
			Hosts:      []string{"api.anthropic.com"},
			UserAgents: []string{"anthropic-sdk", "anthropic/"},
			Keywords:   []string{"claude-", "/v1/messages"},
		},
		{
			Provider:   "google-ai",
			Priority:   3,
			Hosts:      []string{"generativelanguage.googleapis.com", "aiplatform.googleapis.com"},
			UserAgents: []string{"google-genai", "google-generativeai"},
			Keywords:   []string{"gemini-", "generateContent"},
		},
		{
			Provider:     "azure-openai",
			Priority:     4,
			HostSuffixes: []string{".openai.azure.com"},
			UserAgents:   []string{"azsdk-"},
			Keywords:     []string{"deployments/", "api-version="},
		},
		{
			Provider:   "cohere",
			Priority:   5,
			Hosts:      []string{"api.cohere.ai", "api.cohere.com"},
			UserAgents: []string{"cohere-go", "cohere-python"},
			Keywords:   []string{"command-r", "co.chat"},
		},
		{
			Provider:   "mistral",
			Priority:   6,
			Hosts:      []string{"api.mistral.ai"},
			UserAgents: []string{"mistral-client"},
			Keywords:   []string{"mistral-", "codestral"},
		},
	}
}

// AIProviderDetector matches endpoint hosts, user-agent substrings, and
// payload keywords against a provider fingerprint table.
type AIProviderDetector struct {
	fingerprints []providerFingerprint
}

// NewAIProviderDetector creates a detector with the built-in table.
func NewAIProviderDetector() *AIProviderDetector {
	return &AIProviderDetector{fingerprints: builtinFingerprints()}
}

func (d *AIProviderDetector) Name() string                  { return "ai_provider" }
func (d *AIProviderDetector) SignalType() schema.SignalType { return schema.SignalAIProvider }

type providerMatch struct {
	provider   string
	priority   int
	confidence float64
	matchedBy  string
	model      string
	endpoint   string
	events     []schema.ActivityEvent
}

// Evaluate emits one signal per provider observed in the window, carrying
// the best match tier seen for that provider.
func (d *AIProviderDetector) Evaluate(window []schema.ActivityEvent, state *EntityState, th *Thresholds) []schema.DetectionSignal {
	matches := make(map[string]*providerMatch)

	for i := range window {
		event := &window[i]
		m := d.matchEvent(event)
		if m == nil {
			continue
		}

		existing, ok := matches[m.provider]
		if !ok {
			m.events = []schema.ActivityEvent{*event}
			matches[m.provider] = m
			continue
		}
		existing.events = append(existing.events, *event)
		if m.confidence > existing.confidence {
			existing.confidence = m.confidence
			existing.matchedBy = m.matchedBy
			existing.endpoint = m.endpoint
		}
		if existing.model == "" && m.model != "" {
			existing.model = m.model
		}
	}

	if len(matches) == 0 {
		return nil
	}

	ordered := make([]*providerMatch, 0, len(matches))
	for _, m := range matches {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].confidence != ordered[j].confidence {
			return ordered[i].confidence > ordered[j].confidence
		}
		return ordered[i].priority < ordered[j].priority
	})

	signals := make([]schema.DetectionSignal, 0, len(ordered))
	for _, m := range ordered {
		evidence := map[string]any{
			"provider":   m.provider,
			"matched_by": m.matchedBy,
		}
		if m.endpoint != "" {
			evidence["endpoint"] = m.endpoint
		}
		if m.model != "" {
			evidence["model"] = m.model
		}
		signals = append(signals, schema.DetectionSignal{
			SignalID:       uuid.New(),
			SignalType:     schema.SignalAIProvider,
			EntityID:       state.EntityID,
			Platform:       state.Platform,
			Confidence:     m.confidence,
			Timestamp:      m.events[len(m.events)-1].Timestamp,
			Evidence:       evidence,
			SourceEventIDs: eventIDs(m.events),
		})
	}
	return signals
}

// matchEvent returns the best-tier match for a single event, ties broken
// by the fixed provider priority ordering.
func (d *AIProviderDetector) matchEvent(event *schema.ActivityEvent) *providerMatch {
	endpoint := event.MetadataString("api_endpoint")
	if endpoint == "" {
		endpoint = event.MetadataString("apiEndpoint")
	}
	host := hostOf(endpoint)
	ua := strings.ToLower(event.UserAgent)
	haystack := strings.ToLower(endpoint + " " + event.MetadataString("payload") + " " + event.Action)

	var best *providerMatch
	for _, fp := range d.fingerprints {
		m := matchFingerprint(fp, host, ua, haystack)
		if m == nil {
			continue
		}
		m.endpoint = endpoint
		if best == nil || m.confidence > best.confidence ||
			(m.confidence == best.confidence && m.priority < best.priority) {
			best = m
		}
	}
	if best == nil {
		return nil
	}

	// Best-effort model extraction; absence of a match yields no model,
	// not an error.
	if model := modelPattern.FindString(strings.ToLower(endpoint + " " + event.MetadataString("payload") + " " + event.MetadataString("model"))); model != "" {
		best.model = model
	}
	return best
}

func matchFingerprint(fp providerFingerprint, host, ua, haystack string) *providerMatch {
	for _, h := range fp.Hosts {
		if host == h {
			return &providerMatch{provider: fp.Provider, priority: fp.Priority, confidence: confEndpoint, matchedBy: "endpoint"}
		}
	}
	for _, suffix := range fp.HostSuffixes {
		if host != "" && strings.HasSuffix(host, suffix) {
			return &providerMatch{provider: fp.Provider, priority: fp.Priority, confidence: confEndpoint, matchedBy: "endpoint"}
		}
	}
	for _, s := range fp.UserAgents {
		if ua != "" && strings.Contains(ua, s) {
			return &providerMatch{provider: fp.Provider, priority: fp.Priority, confidence: confUserAgent, matchedBy: "user_agent"}
		}
	}
	for _, kw := range fp.Keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return &providerMatch{provider: fp.Provider, priority: fp.Priority, confidence: confKeyword, matchedBy: "keyword"}
		}
	}
	return nil
}

func hostOf(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// Bare hosts without a scheme still match.
		return strings.ToLower(strings.Split(endpoint, "/")[0])
	}
	return strings.ToLower(u.Hostname())
}
