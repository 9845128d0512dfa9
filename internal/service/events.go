package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/internal/reconciler"
)

// directPeer returns the other party of a direct exchange between sender
// and receiver from the local user's point of view.
func directPeer(localUserID, senderID, receiverID string) string {
	if senderID == localUserID && receiverID != "" {
		return receiverID
	}
	return senderID
}

func (s *SyncService) handleChat(ctx context.Context, ev model.Event) {
	chat, ok := ev.(model.ChatMessageEvent)
	if !ok {
		return
	}
	sess, err := s.session()
	if err != nil {
		return
	}
	key := model.DirectKey(directPeer(sess.userID, chat.Message.SenderID, chat.Message.ReceiverID))
	s.insert(sess, key, chat.Message)
}

func (s *SyncService) handleGroup(ctx context.Context, ev model.Event) {
	group, ok := ev.(model.GroupMessageEvent)
	if !ok {
		return
	}
	sess, err := s.session()
	if err != nil {
		return
	}
	s.insert(sess, model.GroupKey(group.GroupID), group.Message)
}

func (s *SyncService) insert(sess *session, key model.ConversationKey, msg model.Message) {
	switch sess.conversation.Insert(key, msg) {
	case reconciler.CacheMiss:
		sess.conversation.Invalidate(key)
	case reconciler.Duplicate:
		s.logger.Debug("duplicate message", zap.Stringer("conversation", key), zap.String("message_id", msg.ID))
	}
}

func (s *SyncService) handleTyping(ctx context.Context, ev model.Event) {
	typing, ok := ev.(model.TypingEvent)
	if !ok {
		return
	}
	sess, err := s.session()
	if err != nil {
		return
	}
	sess.presence.Set(typing.SenderID, typing.Typing)
}

// handleCall patches the call message in its conversation and then feeds
// the call machine. The conversation is patched even for stale calls.
func (s *SyncService) handleCall(ctx context.Context, ev model.Event) {
	update, ok := ev.(model.CallUpdateEvent)
	if !ok {
		return
	}
	sess, err := s.session()
	if err != nil {
		return
	}

	key := model.DirectKey(directPeer(sess.userID, update.SenderID, update.ReceiverID))
	if sess.conversation.PatchCallStatus(key, update.MessageID, update.State, update.Duration) == reconciler.CacheMiss {
		sess.conversation.Invalidate(key)
	}

	outcome := sess.calls.Apply(update)
	s.logger.Debug("call update applied",
		zap.String("message_id", update.MessageID),
		zap.String("state", string(update.State)),
		zap.Stringer("outcome", outcome),
	)
}
