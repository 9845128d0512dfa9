// Package service wires the sync engine: it owns the per-login session
// state, registers the push event handlers and talks to the backend.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/call"
	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/internal/mux"
	"github.com/defcomm/secure-sync/internal/pairing"
	"github.com/defcomm/secure-sync/internal/presence"
	"github.com/defcomm/secure-sync/internal/reconciler"
	"github.com/defcomm/secure-sync/pkg/logger"
)

var (
	ErrNotAuthenticated = errors.New("no active session")
	ErrNoPairing        = errors.New("no pairing in progress")
)

// Backend is the subset of the backend client used by the service.
type Backend interface {
	pairing.Client
	History(ctx context.Context, key model.ConversationKey) ([]model.Message, error)
	Contacts(ctx context.Context) ([]model.Contact, error)
	Groups(ctx context.Context) ([]model.Group, error)
	Logout(ctx context.Context) error
	SetToken(token string)
}

// RingtoneFactory builds the ringtone of a logged-in user.
type RingtoneFactory func(userID string) call.Ringtone

// Options tunes the service.
type Options struct {
	ChannelPrefix      string
	GroupIDs           []string
	RefetchConcurrency int
	TypingTTL          time.Duration
	PairingInterval    time.Duration
	PairingScheduler   pairing.Scheduler
}

// session is the state of one login. It is replaced wholesale on logout
// or re-authentication.
type session struct {
	userID       string
	conversation *reconciler.Reconciler
	presence     *presence.Tracker
	calls        *call.Machine
	sub          *mux.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
}

// SyncService is the sync engine of one client.
type SyncService struct {
	backend   Backend
	mux       *mux.Multiplexer
	ringtones RingtoneFactory
	opts      Options
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	// startMu serializes session replacement: Start, Logout and Close.
	startMu sync.Mutex

	mu     sync.RWMutex
	active *session
	poller *pairing.Poller
}

// NewSyncService creates a service delivering push events from transport.
func NewSyncService(transport mux.Transport, backend Backend, ringtones RingtoneFactory, opts Options, log *logger.Logger) *SyncService {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.RefetchConcurrency <= 0 {
		opts.RefetchConcurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SyncService{
		backend:   backend,
		ringtones: ringtones,
		opts:      opts,
		logger:    log.Named("sync"),
		ctx:       ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, opts.RefetchConcurrency),
	}
	s.mux = mux.New(transport, opts.ChannelPrefix, mux.Routes{
		Chat:   mux.HandlerFunc(s.handleChat),
		Typing: mux.HandlerFunc(s.handleTyping),
		Call:   mux.HandlerFunc(s.handleCall),
		Group:  mux.HandlerFunc(s.handleGroup),
	}, log)
	return s
}

// Start begins a session for userID: fresh engine state, the group roster
// and the push subscription. A running session is torn down first. Starts
// are serialized; a start whose ctx is done before the subscription is
// installed leaves no session behind.
func (s *SyncService) Start(ctx context.Context, userID, token string) error {
	if userID == "" {
		return fmt.Errorf("start session: %w", mux.ErrInvalidUser)
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.teardown()
	s.backend.SetToken(token)

	var ringtone call.Ringtone
	if s.ringtones != nil {
		ringtone = s.ringtones(userID)
	}
	sessCtx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		userID:   userID,
		presence: presence.NewTracker(presence.WithTTL(s.opts.TypingTTL)),
		calls:    call.NewMachine(userID, ringtone, s.logger),
		ctx:      sessCtx,
		cancel:   cancel,
	}
	sess.conversation = reconciler.New(userID, s.refetcher(sess), s.logger)

	groups := s.groupIDs(ctx)
	sub, err := s.mux.Subscribe(sessCtx, userID, groups, token)
	if err != nil && sub == nil {
		s.abort(sess)
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	sess.sub = sub
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.abort(sess)
		return fmt.Errorf("start session: %w", ctxErr)
	}
	if err != nil {
		s.logger.Warn("some group channels failed to subscribe", zap.Error(err))
	}

	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()

	s.logger.Info("session started",
		zap.String("user_id", userID),
		zap.Int("groups", len(groups)),
	)
	return nil
}

// abort releases a session that was never installed.
func (s *SyncService) abort(sess *session) {
	sess.cancel()
	if sess.sub != nil {
		if err := sess.sub.Close(); err != nil {
			s.logger.Warn("failed to close subscription", zap.Error(err))
		}
	}
	sess.calls.Close()
	s.backend.SetToken("")
}

// Authenticate starts a session from pairing credentials. A cancelled
// pairing never starts a session.
func (s *SyncService) Authenticate(ctx context.Context, creds model.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Start(ctx, creds.User.ID, creds.AccessToken)
}

// RefreshGroups re-reads the group roster and applies the subscription diff.
func (s *SyncService) RefreshGroups(ctx context.Context) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	return sess.sub.SetGroups(s.groupIDs(ctx))
}

// groupIDs merges the configured groups with the backend roster. A roster
// failure falls back to the configured groups.
func (s *SyncService) groupIDs(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range s.opts.GroupIDs {
		add(id)
	}

	groups, err := s.backend.Groups(ctx)
	if err != nil {
		s.logger.Warn("failed to fetch group roster", zap.Error(err))
		return ids
	}
	for _, g := range groups {
		add(g.ID)
	}
	return ids
}

// Logout revokes the token and tears the session down. Teardown happens
// even when the backend call fails.
func (s *SyncService) Logout(ctx context.Context) error {
	if _, err := s.session(); err != nil {
		return err
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	err := s.backend.Logout(ctx)
	s.teardown()
	if err != nil {
		s.logger.Warn("backend logout failed", zap.Error(err))
		return fmt.Errorf("logout: %w", err)
	}
	s.logger.Info("logged out")
	return nil
}

// Close stops pairing, tears the session down and waits for refetches.
func (s *SyncService) Close() {
	s.CancelPairing()
	s.cancel()
	s.startMu.Lock()
	s.teardown()
	s.startMu.Unlock()
	s.wg.Wait()
}

// Active reports whether a session is running.
func (s *SyncService) Active() bool {
	_, err := s.session()
	return err == nil
}

// UserID returns the logged-in user, if any.
func (s *SyncService) UserID() string {
	sess, err := s.session()
	if err != nil {
		return ""
	}
	return sess.userID
}

// Channels lists the subscribed push channels.
func (s *SyncService) Channels() []mux.Channel {
	sess, err := s.session()
	if err != nil {
		return nil
	}
	return sess.sub.Channels()
}

func (s *SyncService) teardown() {
	s.mu.Lock()
	sess := s.active
	s.active = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}

	sess.cancel()
	if err := sess.sub.Close(); err != nil {
		s.logger.Warn("failed to close subscription", zap.Error(err))
	}
	sess.calls.Close()
	sess.presence.Reset()
	sess.conversation.Reset()
	s.backend.SetToken("")
	s.logger.Info("session closed", zap.String("user_id", sess.userID))
}

func (s *SyncService) session() (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil, ErrNotAuthenticated
	}
	return s.active, nil
}
