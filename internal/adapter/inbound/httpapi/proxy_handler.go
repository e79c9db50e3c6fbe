package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/gate"
	"github.com/qbrix/qbrix/internal/service"
)

// ProxyHandler exposes the public tier: catalog administration, select,
// and feedback.
type ProxyHandler struct {
	svc     *service.ProxyService
	keys    *Keychain
	metrics *Metrics
	logger  *slog.Logger
}

// NewProxyHandler builds the proxy HTTP surface. keys may be nil or
// empty, which leaves the admin routes unauthenticated.
func NewProxyHandler(svc *service.ProxyService, keys *Keychain, metrics *Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{svc: svc, keys: keys, metrics: metrics, logger: logger}
}

// Routes returns the proxy mux. Admin routes sit behind the keychain;
// select and feedback stay unauthenticated (hot path).
func (h *ProxyHandler) Routes() http.Handler {
	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/v1/pools", h.handleCreatePool)
	admin.HandleFunc("GET /api/v1/pools", h.handleListPools)
	admin.HandleFunc("GET /api/v1/pools/{id}", h.handleGetPool)
	admin.HandleFunc("DELETE /api/v1/pools/{id}", h.handleDeletePool)

	admin.HandleFunc("POST /api/v1/experiments", h.handleCreateExperiment)
	admin.HandleFunc("GET /api/v1/experiments", h.handleListExperiments)
	admin.HandleFunc("GET /api/v1/experiments/{id}", h.handleGetExperiment)
	admin.HandleFunc("PUT /api/v1/experiments/{id}", h.handleUpdateExperiment)
	admin.HandleFunc("DELETE /api/v1/experiments/{id}", h.handleDeleteExperiment)

	admin.HandleFunc("POST /api/v1/experiments/{id}/gate", h.handleCreateGate)
	admin.HandleFunc("GET /api/v1/experiments/{id}/gate", h.handleGetGate)
	admin.HandleFunc("PUT /api/v1/experiments/{id}/gate", h.handleUpdateGate)
	admin.HandleFunc("DELETE /api/v1/experiments/{id}/gate", h.handleDeleteGate)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/pools", AuthMiddleware(h.keys)(admin))
	mux.Handle("/api/v1/pools/", AuthMiddleware(h.keys)(admin))
	mux.Handle("/api/v1/experiments", AuthMiddleware(h.keys)(admin))
	mux.Handle("/api/v1/experiments/", AuthMiddleware(h.keys)(admin))

	// Hot path: no auth.
	mux.HandleFunc("POST /api/v1/experiments/{id}/select", h.handleSelect)
	mux.HandleFunc("POST /api/v1/feedback", h.handleFeedback)
	return mux
}

type createPoolRequest struct {
	Name string            `json:"name"`
	Arms []catalog.ArmSpec `json:"arms"`
}

func (h *ProxyHandler) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := readJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" || len(req.Arms) == 0 {
		respondBadRequest(w, "name and at least one arm are required")
		return
	}
	pool, err := h.svc.CreatePool(r.Context(), req.Name, req.Arms)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, pool)
}

func (h *ProxyHandler) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.svc.GetPool(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pool)
}

func (h *ProxyHandler) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeletePool(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProxyHandler) handleListPools(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	pools, err := h.svc.ListPools(r.Context(), limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}
	if pools == nil {
		pools = []*catalog.Pool{}
	}
	respondJSON(w, http.StatusOK, pools)
}

type createExperimentRequest struct {
	Name         string         `json:"name"`
	PoolID       string         `json:"pool_id"`
	Policy       string         `json:"policy"`
	PolicyParams map[string]any `json:"policy_params,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
}

func (h *ProxyHandler) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := readJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" || req.PoolID == "" || req.Policy == "" {
		respondBadRequest(w, "name, pool_id, and policy are required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	exp, err := h.svc.CreateExperiment(r.Context(), &catalog.Experiment{
		Name:         req.Name,
		PoolID:       req.PoolID,
		Policy:       req.Policy,
		PolicyParams: req.PolicyParams,
		Enabled:      enabled,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exp)
}

func (h *ProxyHandler) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.svc.GetExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (h *ProxyHandler) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	var upd catalog.ExperimentUpdate
	if err := readJSON(r, &upd); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	exp, err := h.svc.UpdateExperiment(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (h *ProxyHandler) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteExperiment(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProxyHandler) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	exps, err := h.svc.ListExperiments(r.Context(), limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}
	if exps == nil {
		exps = []*catalog.Experiment{}
	}
	respondJSON(w, http.StatusOK, exps)
}

func (h *ProxyHandler) handleCreateGate(w http.ResponseWriter, r *http.Request) {
	var cfg gate.Config
	if err := readJSON(r, &cfg); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	cfg.ExperimentID = r.PathValue("id")
	created, err := h.svc.CreateGate(r.Context(), &cfg)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *ProxyHandler) handleGetGate(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetGate(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *ProxyHandler) handleUpdateGate(w http.ResponseWriter, r *http.Request) {
	var cfg gate.Config
	if err := readJSON(r, &cfg); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	cfg.ExperimentID = r.PathValue("id")
	updated, err := h.svc.UpdateGate(r.Context(), &cfg)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *ProxyHandler) handleDeleteGate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteGate(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// selectRequest is the hot-path request body.
type selectRequest struct {
	Context struct {
		ID       string            `json:"id"`
		Vector   []float64         `json:"vector,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"context"`
}

func (h *ProxyHandler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := readJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	res, err := h.svc.Select(r.Context(), r.PathValue("id"), bandit.Context{
		ID:       req.Context.ID,
		Vector:   req.Context.Vector,
		Metadata: req.Context.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if h.metrics != nil {
		source := "bandit"
		if res.IsDefault {
			source = "gate_default"
		}
		h.metrics.SelectionsTotal.WithLabelValues(source).Inc()
	}
	respondJSON(w, http.StatusOK, res)
}

type feedbackRequest struct {
	RequestID string  `json:"request_id"`
	Reward    float64 `json:"reward"`
}

type feedbackResponse struct {
	Accepted bool `json:"accepted"`
}

func (h *ProxyHandler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := readJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if err := h.svc.Feedback(r.Context(), req.RequestID, req.Reward); err != nil {
		if h.metrics != nil {
			h.metrics.FeedbackTotal.WithLabelValues("rejected").Inc()
		}
		respondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.FeedbackTotal.WithLabelValues("accepted").Inc()
	}
	respondJSON(w, http.StatusAccepted, feedbackResponse{Accepted: true})
}

// pageParams parses limit/offset query parameters with defaults.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
