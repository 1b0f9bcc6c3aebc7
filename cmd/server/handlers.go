package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prana-labs/prana"
)

type handler struct {
	engine *prana.Engine
}

func newHandler(e *prana.Engine) *handler {
	return &handler{engine: e}
}

// POST /api/v1/ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req prana.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Bound parameters; out-of-range values fall back to defaults.
	if req.MaxChunks < 0 || req.MaxChunks > 20 {
		req.MaxChunks = 0
	}
	if req.MinSimilarity < 0 || req.MinSimilarity > 1 {
		req.MinSimilarity = 0
	}

	resp, err := h.engine.Ask(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, prana.ErrInvalidQuery):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
		default:
			writeError(w, http.StatusInternalServerError, "query processing failed")
			slog.Error("ask error", "error", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// POST /api/v1/feedback
func (h *handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	queryID := r.URL.Query().Get("query_id")
	feedback := r.URL.Query().Get("feedback")
	if queryID == "" || feedback == "" {
		writeError(w, http.StatusBadRequest, "query_id and feedback are required")
		return
	}

	h.engine.RecordFeedback(queryID, feedback)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "feedback_received",
		"query_id": queryID,
	})
}

// GET /api/v1/health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /api/v1/stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		slog.Error("stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError reports failures as {"detail": ...}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
