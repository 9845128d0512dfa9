package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/middleware"
	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/internal/service"
	"github.com/defcomm/secure-sync/pkg/logger"
)

// ConversationHandler serves conversation timelines.
type ConversationHandler struct {
	service *service.SyncService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.SyncService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// MessagesResponse is the timeline of one conversation.
type MessagesResponse struct {
	Conversation model.ConversationKey `json:"conversation"`
	Messages     []model.Message       `json:"messages"`
}

func conversationKey(r *http.Request) (model.ConversationKey, error) {
	kind, err := model.ParseConversationKind(chi.URLParam(r, "kind"))
	if err != nil {
		return model.ConversationKey{}, err
	}
	peerID := chi.URLParam(r, "peerID")
	if err := middleware.ValidatePeerID(peerID); err != nil {
		return model.ConversationKey{}, err
	}
	return model.ConversationKey{PeerID: peerID, Kind: kind}, nil
}

// Messages handles GET /api/v1/conversations/{kind}/{peerID}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.service.Messages(r.Context(), key)
	if err != nil {
		h.logger.Warn("failed to load conversation", zap.Stringer("conversation", key), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	writeJSON(w, http.StatusOK, MessagesResponse{Conversation: key, Messages: msgs})
}

// Discard handles DELETE /api/v1/conversations/{kind}/{peerID}/messages
func (h *ConversationHandler) Discard(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.DiscardConversation(key); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Contacts handles GET /api/v1/contacts
func (h *ConversationHandler) Contacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.service.Contacts(r.Context())
	if err != nil {
		h.logger.Warn("failed to fetch contacts", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
	})
}
