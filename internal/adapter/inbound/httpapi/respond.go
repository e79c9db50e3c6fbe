// Package httpapi provides the HTTP transport for the proxy, motor, and
// cortex tiers: routing, JSON encoding, auth, and metrics middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/feedback"
	"github.com/qbrix/qbrix/internal/domain/gate"
	"github.com/qbrix/qbrix/internal/domain/token"
)

// errorResponse is the uniform JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// respondError maps a service error onto the status taxonomy and writes
// the error body.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFromError(err), errorResponse{Error: err.Error()})
}

// statusFromError maps domain sentinel errors to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, catalog.ErrPoolNotFound),
		errors.Is(err, catalog.ErrExperimentNotFound),
		errors.Is(err, catalog.ErrGateNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrDuplicateName),
		errors.Is(err, catalog.ErrPoolInUse):
		return http.StatusConflict
	case errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, bandit.ErrUnknownPolicy),
		errors.Is(err, bandit.ErrInvalidPolicyParams),
		errors.Is(err, bandit.ErrInvalidContext),
		errors.Is(err, bandit.ErrArmOutOfRange),
		errors.Is(err, gate.ErrInvalidConfig),
		errors.Is(err, gate.ErrUnknownOperator),
		errors.Is(err, feedback.ErrMalformedEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body, rejecting unknown top-level shapes
// lazily (unknown fields are ignored, malformed JSON is a 400).
func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// respondBadRequest writes a 400 with a plain message.
func respondBadRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
