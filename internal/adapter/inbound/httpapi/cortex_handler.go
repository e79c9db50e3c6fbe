package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/qbrix/qbrix/internal/service"
)

// CortexHandler exposes the trainer tier's internal surface.
type CortexHandler struct {
	trainer *service.TrainerService
	logger  *slog.Logger
}

// NewCortexHandler builds the trainer HTTP surface.
func NewCortexHandler(trainer *service.TrainerService, logger *slog.Logger) *CortexHandler {
	return &CortexHandler{trainer: trainer, logger: logger}
}

// Routes returns the cortex mux.
func (h *CortexHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/v1/flush", h.handleFlush)
	mux.HandleFunc("GET /internal/v1/stats", h.handleStats)
	return mux
}

type flushRequest struct {
	// ExperimentID limits the flush to one experiment; empty flushes
	// everything the stream has ready.
	ExperimentID string `json:"experiment_id,omitempty"`
}

type flushResponse struct {
	Processed int `json:"processed"`
}

func (h *CortexHandler) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			respondBadRequest(w, "invalid JSON body")
			return
		}
	}
	n, err := h.trainer.FlushBatch(r.Context(), req.ExperimentID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flushResponse{Processed: n})
}

type statsResponse struct {
	Experiments   []service.ExperimentStats `json:"experiments"`
	UnknownEvents int64                     `json:"unknown_events"`
}

func (h *CortexHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.trainer.Stats(r.URL.Query().Get("experiment_id"))
	if stats == nil {
		stats = []service.ExperimentStats{}
	}
	respondJSON(w, http.StatusOK, statsResponse{
		Experiments:   stats,
		UnknownEvents: h.trainer.UnknownEventCount(),
	})
}
