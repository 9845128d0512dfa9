package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/mux"
	"github.com/defcomm/secure-sync/internal/service"
	"github.com/defcomm/secure-sync/pkg/logger"
)

// SessionHandler serves session state, presence and logout.
type SessionHandler struct {
	service *service.SyncService
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.SyncService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		logger:  log,
	}
}

// SessionResponse describes the running session.
type SessionResponse struct {
	Active   bool          `json:"active"`
	UserID   string        `json:"user_id,omitempty"`
	Channels []mux.Channel `json:"channels"`
}

// Get handles GET /api/v1/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	channels := h.service.Channels()
	if channels == nil {
		channels = []mux.Channel{}
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Active:   h.service.Active(),
		UserID:   h.service.UserID(),
		Channels: channels,
	})
}

// Presence handles GET /api/v1/presence
func (h *SessionHandler) Presence(w http.ResponseWriter, r *http.Request) {
	typing, err := h.service.Presence()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"typing": typing,
	})
}

// RefreshGroups handles POST /api/v1/session/groups
func (h *SessionHandler) RefreshGroups(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RefreshGroups(r.Context()); err != nil {
		h.logger.Warn("failed to refresh groups", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	h.Get(w, r)
}

// Logout handles POST /api/v1/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
