// Package handler provides HTTP handlers for the local API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/defcomm/secure-sync/internal/backend"
	"github.com/defcomm/secure-sync/internal/call"
	"github.com/defcomm/secure-sync/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps engine errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, service.ErrNotAuthenticated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNoPairing), errors.Is(err, call.ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, call.ErrCallInProgress), errors.Is(err, call.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
