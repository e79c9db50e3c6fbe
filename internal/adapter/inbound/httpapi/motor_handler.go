package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/service"
)

// MotorHandler exposes the selector tier's internal surface.
type MotorHandler struct {
	selector *service.SelectorService
	logger   *slog.Logger
}

// NewMotorHandler builds the selector HTTP surface.
func NewMotorHandler(selector *service.SelectorService, logger *slog.Logger) *MotorHandler {
	return &MotorHandler{selector: selector, logger: logger}
}

// Routes returns the motor mux.
func (h *MotorHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/v1/select", h.handleSelect)
	mux.HandleFunc("POST /internal/v1/invalidate/{id}", h.handleInvalidate)
	return mux
}

// internalSelectRequest is the proxy→motor wire shape.
type internalSelectRequest struct {
	ExperimentID string `json:"experiment_id"`
	Context      struct {
		ID       string            `json:"id"`
		Vector   []float64         `json:"vector,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"context"`
}

func (h *MotorHandler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req internalSelectRequest
	if err := readJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if req.ExperimentID == "" {
		respondBadRequest(w, "experiment_id is required")
		return
	}
	res, err := h.selector.Select(r.Context(), req.ExperimentID, bandit.Context{
		ID:       req.Context.ID,
		Vector:   req.Context.Vector,
		Metadata: req.Context.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *MotorHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.selector.Invalidate(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
