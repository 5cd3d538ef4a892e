package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"time"

	"shadowscan/internal/schema"
)

// Repository is the persistence surface the engine writes through. Full
// records are stored as JSON payloads alongside the columns queried by
// reporting, so reads never need to reassemble a record from columns.
type Repository struct {
	client *ClickHouseClient
}

// NewRepository creates a Repository.
func NewRepository(client *ClickHouseClient) *Repository {
	return &Repository{client: client}
}

// SaveEntity upserts an entity snapshot. The latest row per entity wins
// at merge time.
func (r *Repository) SaveEntity(ctx context.Context, e *schema.AutomationEntity) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return WrapQueryError("SaveEntity", "automation_entities", err)
	}

	var score float64
	level := string(schema.RiskLow)
	if e.Risk != nil {
		score = e.Risk.Score
		level = string(e.Risk.Level)
	}

	err = r.client.Exec(ctx, `
		INSERT INTO automation_entities (
			entity_id, org_id, platform, name, first_seen, last_seen,
			risk_score, risk_level, signal_count, archived, payload, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EntityID, e.OrgID, string(e.Platform), e.Name, e.FirstSeen, e.LastSeen,
		score, level, uint32(len(e.SignalHistory)), boolToUint8(e.Archived),
		string(payload), time.Now().UTC(),
	)
	if err != nil {
		return WrapQueryError("SaveEntity", "automation_entities", err)
	}
	return nil
}

// SaveChain upserts a workflow chain snapshot.
func (r *Repository) SaveChain(ctx context.Context, c *schema.WorkflowChain) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return WrapQueryError("SaveChain", "workflow_chains", err)
	}

	platforms := make([]string, len(c.Platforms))
	for i, p := range c.Platforms {
		platforms[i] = string(p)
	}

	err = r.client.Exec(ctx, `
		INSERT INTO workflow_chains (
			chain_id, platforms, state, correlation_confidence, risk_level,
			correlation_key, strongest_link, event_count, trigger_at,
			payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ChainID, platforms, string(c.State), c.CorrelationConfidence, string(c.RiskLevel),
		c.CorrelationKey, string(c.StrongestLink), uint32(c.EventCount()),
		c.TriggerEvent.Timestamp, string(payload), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return WrapQueryError("SaveChain", "workflow_chains", err)
	}
	return nil
}

// AppendFeedback appends one feedback record. The journal is append-only.
func (r *Repository) AppendFeedback(ctx context.Context, fb *schema.Feedback) error {
	corrections, err := json.Marshal(fb.SuggestedCorrections)
	if err != nil {
		return WrapQueryError("AppendFeedback", "feedback", err)
	}

	err = r.client.Exec(ctx, `
		INSERT INTO feedback (
			feedback_id, target_id, platform, sentiment, feedback_type,
			suggested_corrections, analyst_id, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fb.FeedbackID, fb.TargetID, string(fb.Platform), string(fb.Sentiment),
		string(fb.FeedbackType), string(corrections), fb.AnalystID, fb.SubmittedAt,
	)
	if err != nil {
		return WrapQueryError("AppendFeedback", "feedback", err)
	}
	return nil
}

// FeedbackCounts holds raw per-platform accuracy counters aggregated
// from the feedback journal.
type FeedbackCounts struct {
	TruePositives  int64
	FalsePositives int64
	FalseNegatives int64
}

// FeedbackCountsSince aggregates the feedback journal into per-platform
// counters for the period starting at since. The classification mirrors
// the in-memory feedback engine: false_negative counts as a miss
// regardless of sentiment, positive sentiment as a hit, negative as a
// false alarm.
func (r *Repository) FeedbackCountsSince(ctx context.Context, since time.Time) (map[schema.Platform]FeedbackCounts, error) {
	rows, err := r.client.Query(ctx, `
		SELECT
			platform,
			toInt64(countIf(sentiment = 'positive' AND feedback_type != 'false_negative')) AS tp,
			toInt64(countIf(sentiment = 'negative' AND feedback_type != 'false_negative')) AS fp,
			toInt64(countIf(feedback_type = 'false_negative')) AS fn
		FROM feedback
		WHERE submitted_at >= ?
		GROUP BY platform
	`, since)
	if err != nil {
		return nil, WrapQueryError("FeedbackCountsSince", "feedback", err)
	}
	defer rows.Close()

	out := make(map[schema.Platform]FeedbackCounts)
	for rows.Next() {
		var (
			p string
			c FeedbackCounts
		)
		if err := rows.Scan(&p, &c.TruePositives, &c.FalsePositives, &c.FalseNegatives); err != nil {
			return nil, WrapQueryError("FeedbackCountsSince", "feedback", err)
		}
		out[schema.Platform(p)] = c
	}
	return out, nil
}

// LoadBaseline returns the stored accuracy baseline for a platform.
func (r *Repository) LoadBaseline(ctx context.Context, platform schema.Platform) (*schema.Baseline, error) {
	row := r.client.QueryRow(ctx, `
		SELECT platform, precision, recall, f1_score, sample_size, captured_at
		FROM baselines FINAL
		WHERE platform = ?
	`, string(platform))

	var (
		b schema.Baseline
		p string
	)
	if err := row.Scan(&p, &b.Precision, &b.Recall, &b.F1Score, &b.SampleSize, &b.CapturedAt); err != nil {
		if isNoRows(err) {
			return nil, WrapNotFoundError("LoadBaseline", "baselines", string(platform))
		}
		return nil, WrapQueryError("LoadBaseline", "baselines", err)
	}
	b.Platform = schema.Platform(p)
	return &b, nil
}

// LoadBaselines returns all stored baselines keyed by platform.
func (r *Repository) LoadBaselines(ctx context.Context) (map[schema.Platform]schema.Baseline, error) {
	rows, err := r.client.Query(ctx, `
		SELECT platform, precision, recall, f1_score, sample_size, captured_at
		FROM baselines FINAL
	`)
	if err != nil {
		return nil, WrapQueryError("LoadBaselines", "baselines", err)
	}
	defer rows.Close()

	out := make(map[schema.Platform]schema.Baseline)
	for rows.Next() {
		var (
			b schema.Baseline
			p string
		)
		if err := rows.Scan(&p, &b.Precision, &b.Recall, &b.F1Score, &b.SampleSize, &b.CapturedAt); err != nil {
			return nil, WrapQueryError("LoadBaselines", "baselines", err)
		}
		b.Platform = schema.Platform(p)
		out[b.Platform] = b
	}
	return out, nil
}

// SaveBaseline stores a platform's accuracy baseline, replacing any prior
// capture.
func (r *Repository) SaveBaseline(ctx context.Context, b *schema.Baseline) error {
	err := r.client.Exec(ctx, `
		INSERT INTO baselines (platform, precision, recall, f1_score, sample_size, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(b.Platform), b.Precision, b.Recall, b.F1Score, b.SampleSize, b.CapturedAt)
	if err != nil {
		return WrapQueryError("SaveBaseline", "baselines", err)
	}
	return nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func isNoRows(err error) bool {
	// clickhouse-go surfaces an empty single-row read as io.EOF or
	// sql.ErrNoRows depending on the interface used.
	return errors.Is(err, io.EOF) || errors.Is(err, sql.ErrNoRows)
}
