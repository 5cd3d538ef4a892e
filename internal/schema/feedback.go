package schema

import (
	"time"

	"github.com/google/uuid"
)

// Sentiment is an analyst's overall verdict on a detection.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// IsValid checks if the sentiment is a known value.
func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	}
	return false
}

// FeedbackType classifies what the analyst judged.
type FeedbackType string

const (
	FeedbackCorrectDetection        FeedbackType = "correct_detection"
	FeedbackFalsePositive           FeedbackType = "false_positive"
	FeedbackFalseNegative           FeedbackType = "false_negative"
	FeedbackIncorrectClassification FeedbackType = "incorrect_classification"
	FeedbackIncorrectRiskScore      FeedbackType = "incorrect_risk_score"
	FeedbackIncorrectAIProvider     FeedbackType = "incorrect_ai_provider"
)

// IsValid checks if the feedback type is a known value.
func (f FeedbackType) IsValid() bool {
	switch f {
	case FeedbackCorrectDetection, FeedbackFalsePositive, FeedbackFalseNegative,
		FeedbackIncorrectClassification, FeedbackIncorrectRiskScore, FeedbackIncorrectAIProvider:
		return true
	}
	return false
}

// Feedback is one analyst judgment about a detection or chain.
// Feedback records are append-only.
type Feedback struct {
	FeedbackID           uuid.UUID         `json:"feedback_id"`
	TargetID             string            `json:"target_id" validate:"required"`
	Platform             Platform          `json:"platform,omitempty"`
	Sentiment            Sentiment         `json:"sentiment" validate:"required"`
	FeedbackType         FeedbackType      `json:"feedback_type" validate:"required"`
	SuggestedCorrections map[string]string `json:"suggested_corrections,omitempty"`
	AnalystID            string            `json:"analyst_id,omitempty"`
	SubmittedAt          time.Time         `json:"submitted_at"`
}

// ReinforcementMetrics is the rolling accuracy aggregate recomputed from
// the feedback stream.
type ReinforcementMetrics struct {
	TruePositives  int64     `json:"true_positives"`
	FalsePositives int64     `json:"false_positives"`
	FalseNegatives int64     `json:"false_negatives"`
	Precision      float64   `json:"precision"`
	Recall         float64   `json:"recall"`
	F1Score        float64   `json:"f1_score"`
	RewardSignal   float64   `json:"reward_signal"`
	SampleSize     int64     `json:"sample_size"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Baseline is a stored accuracy snapshot used for drift comparison.
type Baseline struct {
	Platform   Platform  `json:"platform"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	F1Score    float64   `json:"f1_score"`
	SampleSize int64     `json:"sample_size"`
	CapturedAt time.Time `json:"captured_at"`
}
