package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/middleware"
	"github.com/defcomm/secure-sync/internal/service"
	"github.com/defcomm/secure-sync/pkg/logger"
)

// CallHandler exposes the call session and local call actions.
type CallHandler struct {
	service *service.SyncService
	logger  *logger.Logger
}

// NewCallHandler creates a new call handler.
func NewCallHandler(svc *service.SyncService, log *logger.Logger) *CallHandler {
	return &CallHandler{
		service: svc,
		logger:  log,
	}
}

// OutgoingRequest places a call.
type OutgoingRequest struct {
	RemotePartyID string `json:"remote_party_id"`
	MessageID     string `json:"message_id,omitempty"`
	MeetingID     string `json:"meeting_id,omitempty"`
}

// MeetingRequest sets the provider meeting id.
type MeetingRequest struct {
	MeetingID string `json:"meeting_id"`
}

// Get handles GET /api/v1/call
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.Call()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Accept handles POST /api/v1/call/accept
func (h *CallHandler) Accept(w http.ResponseWriter, r *http.Request) {
	if err := h.service.AcceptCall(); err != nil {
		writeServiceError(w, err)
		return
	}
	h.Get(w, r)
}

// HangUp handles POST /api/v1/call/hangup
func (h *CallHandler) HangUp(w http.ResponseWriter, r *http.Request) {
	if err := h.service.HangUp(); err != nil {
		writeServiceError(w, err)
		return
	}
	h.Get(w, r)
}

// Outgoing handles POST /api/v1/call/outgoing
func (h *CallHandler) Outgoing(w http.ResponseWriter, r *http.Request) {
	var req OutgoingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePeerID(req.RemotePartyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(req.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMeetingID(req.MeetingID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.service.StartOutgoing(req.RemotePartyID, req.MessageID, req.MeetingID)
	if err != nil {
		h.logger.Info("outgoing call rejected", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Meeting handles PUT /api/v1/call/meeting
func (h *CallHandler) Meeting(w http.ResponseWriter, r *http.Request) {
	var req MeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMeetingID(req.MeetingID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.SetMeetingID(req.MeetingID); err != nil {
		writeServiceError(w, err)
		return
	}
	h.Get(w, r)
}
