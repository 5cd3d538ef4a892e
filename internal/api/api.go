// Package api serves the engine's admin HTTP surface: analyst feedback
// submission and read access to tracked entities, chains, and accuracy
// metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"shadowscan/internal/entity"
	"shadowscan/internal/feedback"
	"shadowscan/internal/metrics"
	"shadowscan/internal/schema"

	"github.com/google/uuid"
)

// Config holds API server settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxPayload   int           `yaml:"max_payload"`
}

// DefaultConfig returns the default API settings.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxPayload:   1 * 1024 * 1024,
	}
}

// ChainSource exposes the correlator's current chain view.
type ChainSource interface {
	Snapshot() []schema.WorkflowChain
}

// Handler serves the admin endpoints.
type Handler struct {
	cfg        Config
	logger     *slog.Logger
	engine     *feedback.Engine
	calibrator *feedback.Calibrator
	tracker    *entity.Tracker
	chains     ChainSource
	startTime  time.Time
}

// NewHandler creates a Handler. chains may be nil when correlation is
// disabled.
func NewHandler(cfg Config, engine *feedback.Engine, calibrator *feedback.Calibrator, tracker *entity.Tracker, chains ChainSource, logger *slog.Logger) *Handler {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultConfig().MaxPayload
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		calibrator: calibrator,
		tracker:    tracker,
		chains:     chains,
		startTime:  time.Now(),
	}
}

// Routes returns the API route mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/feedback", h.handleFeedback)
	mux.HandleFunc("GET /v1/entities", h.handleEntities)
	mux.HandleFunc("GET /v1/entities/", h.handleEntity)
	mux.HandleFunc("GET /v1/chains", h.handleChains)
	mux.HandleFunc("GET /v1/metrics/feedback", h.handleFeedbackMetrics)
	mux.HandleFunc("GET /health", h.handleHealth)
	return mux
}

// FeedbackRequest is the request body for feedback submission.
type FeedbackRequest struct {
	TargetID             string              `json:"target_id"`
	Platform             schema.Platform     `json:"platform,omitempty"`
	Sentiment            schema.Sentiment    `json:"sentiment"`
	FeedbackType         schema.FeedbackType `json:"feedback_type"`
	SuggestedCorrections map[string]string   `json:"suggested_corrections,omitempty"`
	AnalystID            string              `json:"analyst_id,omitempty"`
}

// FeedbackResponse reports the recorded feedback and the refreshed
// accuracy metrics. Threshold adjustment happens on the calibration
// cadence, not per submission; the version reflects the live snapshot.
type FeedbackResponse struct {
	FeedbackID       uuid.UUID                   `json:"feedback_id"`
	Metrics          schema.ReinforcementMetrics `json:"metrics"`
	ThresholdVersion int64                       `json:"threshold_version"`
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req FeedbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	fb := &schema.Feedback{
		TargetID:             req.TargetID,
		Platform:             req.Platform,
		Sentiment:            req.Sentiment,
		FeedbackType:         req.FeedbackType,
		SuggestedCorrections: req.SuggestedCorrections,
		AnalystID:            req.AnalystID,
	}

	m, err := h.engine.RecordFeedback(r.Context(), fb)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrTargetNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, feedback.ErrInvalidFeedback):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("failed to record feedback", "target_id", req.TargetID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to record feedback")
		}
		return
	}
	metrics.ObserveFeedback(string(fb.Sentiment))

	respondJSON(w, http.StatusCreated, FeedbackResponse{
		FeedbackID:       fb.FeedbackID,
		Metrics:          m,
		ThresholdVersion: h.calibrator.Current().Version,
	})
}

func (h *Handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"entities": h.tracker.Snapshot(),
	})
}

func (h *Handler) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/entities/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity id required")
		return
	}

	e, err := h.tracker.Get(id)
	if err != nil {
		if errors.Is(err, entity.ErrEntityNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (h *Handler) handleChains(w http.ResponseWriter, r *http.Request) {
	var chains []schema.WorkflowChain
	if h.chains != nil {
		chains = h.chains.Snapshot()
	}
	respondJSON(w, http.StatusOK, map[string]any{"chains": chains})
}

func (h *Handler) handleFeedbackMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"global":    h.engine.Metrics(),
		"platforms": h.engine.PlatformMetrics(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"uptime_seconds":    int(time.Since(h.startTime).Seconds()),
		"threshold_version": h.calibrator.Current().Version,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
