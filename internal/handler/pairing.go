package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/service"
	"github.com/defcomm/secure-sync/pkg/logger"
)

// PairingHandler drives QR pairing.
type PairingHandler struct {
	service *service.SyncService
	logger  *logger.Logger
}

// NewPairingHandler creates a new pairing handler.
func NewPairingHandler(svc *service.SyncService, log *logger.Logger) *PairingHandler {
	return &PairingHandler{
		service: svc,
		logger:  log,
	}
}

// Start handles POST /api/v1/pairing
func (h *PairingHandler) Start(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.StartPairing(r.Context())
	if err != nil {
		h.logger.Warn("failed to start pairing", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Get handles GET /api/v1/pairing
func (h *PairingHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Pairing()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Cancel handles DELETE /api/v1/pairing
func (h *PairingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.service.CancelPairing() {
		writeError(w, http.StatusNotFound, service.ErrNoPairing.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
