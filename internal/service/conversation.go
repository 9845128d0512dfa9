package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/internal/reconciler"
	"github.com/defcomm/secure-sync/pkg/metrics"
)

// refetcher reloads conversations of sess in the background. At most
// RefetchConcurrency fetches run at once.
func (s *SyncService) refetcher(sess *session) reconciler.Refetcher {
	return reconciler.RefetchFunc(func(key model.ConversationKey) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refetch(sess, key)
		}()
	})
}

func (s *SyncService) refetch(sess *session, key model.ConversationKey) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-sess.ctx.Done():
		sess.conversation.FetchFailed(key)
		return
	}

	msgs, err := s.backend.History(sess.ctx, key)
	if err != nil {
		metrics.RefetchesTotal.WithLabelValues("error").Inc()
		sess.conversation.FetchFailed(key)
		if sess.ctx.Err() == nil {
			s.logger.Warn("conversation refetch failed", zap.Stringer("conversation", key), zap.Error(err))
		}
		return
	}
	if sess.ctx.Err() != nil {
		return
	}
	metrics.RefetchesTotal.WithLabelValues("success").Inc()
	if !sess.conversation.CompleteFetch(key, msgs) {
		s.logger.Debug("conversation discarded during refetch", zap.Stringer("conversation", key))
		return
	}
	s.logger.Debug("conversation refetched", zap.Stringer("conversation", key), zap.Int("messages", len(msgs)))
}

// Messages returns the timeline of key. A conversation that is not
// materialized yet is fetched synchronously first.
func (s *SyncService) Messages(ctx context.Context, key model.ConversationKey) ([]model.Message, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid conversation %q", key.String())
	}
	sess, err := s.session()
	if err != nil {
		return nil, err
	}

	if msgs, loaded := sess.conversation.Messages(key); loaded {
		return msgs, nil
	}

	history, err := s.backend.History(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	sess.conversation.Load(key, history)
	msgs, _ := sess.conversation.Messages(key)
	return msgs, nil
}

// DiscardConversation drops the local copy of key.
func (s *SyncService) DiscardConversation(key model.ConversationKey) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	sess.conversation.Discard(key)
	return nil
}

// Contacts fetches the conversation list.
func (s *SyncService) Contacts(ctx context.Context) ([]model.Contact, error) {
	if _, err := s.session(); err != nil {
		return nil, err
	}
	return s.backend.Contacts(ctx)
}

// Presence returns the typing state of every known sender.
func (s *SyncService) Presence() (map[string]bool, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	return sess.presence.Snapshot(), nil
}
