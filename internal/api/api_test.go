package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shadowscan/internal/detect"
	"shadowscan/internal/entity"
	"shadowscan/internal/feedback"
	"shadowscan/internal/risk"
	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memJournal struct {
	appended []schema.Feedback
}

func (j *memJournal) AppendFeedback(_ context.Context, fb *schema.Feedback) error {
	j.appended = append(j.appended, *fb)
	return nil
}

var testBase = time.Date(2026, 8, 4, 10, 0, 0, 0, time.UTC)

func testTracker(t *testing.T) *entity.Tracker {
	t.Helper()
	tracker := entity.NewTracker(entity.DefaultConfig(), risk.NewAggregator(risk.DefaultConfig()), nil, nil, testLogger())

	event := &schema.ActivityEvent{
		EventID:   uuid.New(),
		Timestamp: testBase,
		Platform:  schema.PlatformSlack,
		ActorID:   "U1",
		Action:    "slack.file_download",
	}
	signal := schema.DetectionSignal{
		SignalID:   uuid.New(),
		SignalType: schema.SignalVelocity,
		EntityID:   entity.EntityID(event),
		Platform:   schema.PlatformSlack,
		Confidence: 80,
		Timestamp:  testBase,
	}
	if _, err := tracker.RecordSignals(context.Background(), event, []schema.DetectionSignal{signal}); err != nil {
		t.Fatalf("RecordSignals() error = %v", err)
	}
	return tracker
}

func newTestHandler(t *testing.T, journal *memJournal) (*Handler, *feedback.Engine, *feedback.Calibrator) {
	t.Helper()
	logger := testLogger()

	tracker := testTracker(t)
	engine := feedback.NewEngine(tracker, journal, logger)
	calibrator, err := feedback.NewCalibrator(feedback.DefaultCalibratorConfig(), detect.DefaultThresholds(), logger)
	if err != nil {
		t.Fatalf("NewCalibrator() error = %v", err)
	}

	return NewHandler(DefaultConfig(), engine, calibrator, tracker, nil, logger), engine, calibrator
}

func postFeedback(t *testing.T, mux *http.ServeMux, req FeedbackRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewReader(body)))
	return w
}

func TestHandleFeedback_Recorded(t *testing.T) {
	journal := &memJournal{}
	h, _, _ := newTestHandler(t, journal)
	mux := h.Routes()

	w := postFeedback(t, mux, FeedbackRequest{
		TargetID:     "slack:U1",
		Platform:     schema.PlatformSlack,
		Sentiment:    schema.SentimentPositive,
		FeedbackType: schema.FeedbackCorrectDetection,
		AnalystID:    "analyst-7",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp FeedbackResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FeedbackID == uuid.Nil {
		t.Error("response has no feedback ID")
	}
	if resp.Metrics.TruePositives != 1 {
		t.Errorf("TruePositives = %d, want 1", resp.Metrics.TruePositives)
	}
	if len(journal.appended) != 1 {
		t.Fatalf("journal has %d entries, want 1", len(journal.appended))
	}
	if journal.appended[0].AnalystID != "analyst-7" {
		t.Errorf("journal AnalystID = %q", journal.appended[0].AnalystID)
	}
}

func TestHandleFeedback_UnknownTarget(t *testing.T) {
	h, _, _ := newTestHandler(t, &memJournal{})
	mux := h.Routes()

	w := postFeedback(t, mux, FeedbackRequest{
		TargetID:     "slack:nobody",
		Sentiment:    schema.SentimentPositive,
		FeedbackType: schema.FeedbackCorrectDetection,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleFeedback_Invalid(t *testing.T) {
	h, _, _ := newTestHandler(t, &memJournal{})
	mux := h.Routes()

	w := postFeedback(t, mux, FeedbackRequest{
		TargetID:     "slack:U1",
		Sentiment:    "meh",
		FeedbackType: schema.FeedbackCorrectDetection,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleFeedback_FeedsCalibrationCycle(t *testing.T) {
	h, engine, calibrator := newTestHandler(t, &memJournal{})
	mux := h.Routes()
	startVersion := calibrator.Current().Version

	// Push past the minimum sample size with precision below recall, so
	// the next calibration cycle raises thresholds.
	for i := 0; i < 25; i++ {
		postFeedback(t, mux, FeedbackRequest{
			TargetID:     "slack:U1",
			Sentiment:    schema.SentimentPositive,
			FeedbackType: schema.FeedbackCorrectDetection,
		})
	}
	var last FeedbackResponse
	for i := 0; i < 10; i++ {
		w := postFeedback(t, mux, FeedbackRequest{
			TargetID:     "slack:U1",
			Sentiment:    schema.SentimentNegative,
			FeedbackType: schema.FeedbackFalsePositive,
		})
		if err := json.Unmarshal(w.Body.Bytes(), &last); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}

	// Submissions never move thresholds on their own.
	if got := calibrator.Current().Version; got != startVersion {
		t.Fatalf("threshold version after submissions = %d, want %d", got, startVersion)
	}
	if last.ThresholdVersion != startVersion {
		t.Errorf("response ThresholdVersion = %d, want %d", last.ThresholdVersion, startVersion)
	}

	loop := feedback.NewCalibrationLoop(engine, calibrator, nil, testLogger())
	if !loop.RunCycle(context.Background()) {
		t.Fatal("calibration cycle did not adjust thresholds")
	}
	if calibrator.Current().Version <= startVersion {
		t.Errorf("threshold version = %d, want > %d", calibrator.Current().Version, startVersion)
	}
}

func TestHandleEntities(t *testing.T) {
	h, _, _ := newTestHandler(t, &memJournal{})
	mux := h.Routes()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/entities", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Entities []schema.AutomationEntity `json:"entities"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Entities) != 1 || resp.Entities[0].EntityID != "slack:U1" {
		t.Errorf("entities = %+v, want one slack:U1", resp.Entities)
	}
}

func TestHandleEntity_NotFound(t *testing.T) {
	h, _, _ := newTestHandler(t, &memJournal{})
	mux := h.Routes()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/entities/slack:ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	h, _, _ := newTestHandler(t, &memJournal{})
	mux := h.Routes()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
}
