// Package mux subscribes the push channels of a user and routes every decoded
// event to exactly one handler.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/pkg/logger"
	"github.com/defcomm/secure-sync/pkg/metrics"
	"github.com/defcomm/secure-sync/pkg/tracing"
)

var (
	ErrUnauthenticated    = errors.New("auth token is required to subscribe")
	ErrInvalidUser        = errors.New("user id is required to subscribe")
	ErrInvalidChannel     = errors.New("invalid channel id")
	ErrSubscriptionClosed = errors.New("subscription is closed")
)

// ChannelKind distinguishes the personal channel from group channels.
type ChannelKind string

const (
	ChannelUser  ChannelKind = "user"
	ChannelGroup ChannelKind = "group"
)

// Channel is one subscribed push channel.
type Channel struct {
	Kind    ChannelKind `json:"kind"`
	ID      string      `json:"id"`
	Subject string      `json:"subject"`
}

// RawEvent is an undecoded payload as delivered by the transport.
type RawEvent struct {
	Channel Channel
	Payload []byte
}

// Unsubscriber cancels one transport subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Transport delivers payloads published on a subject. deliver is invoked
// serially per subject.
type Transport interface {
	Subscribe(subject string, deliver func(payload []byte)) (Unsubscriber, error)
}

// Handler consumes one kind of decoded event.
type Handler interface {
	HandleEvent(ctx context.Context, ev model.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev model.Event)

// HandleEvent calls f(ctx, ev).
func (f HandlerFunc) HandleEvent(ctx context.Context, ev model.Event) { f(ctx, ev) }

// Routes assigns one handler per event kind. A nil handler drops the kind.
type Routes struct {
	Chat   Handler
	Typing Handler
	Call   Handler
	Group  Handler
}

// Multiplexer is the single entry point for push events.
type Multiplexer struct {
	transport Transport
	prefix    string
	routes    Routes
	logger    *logger.Logger
	tracer    trace.Tracer

	mu   sync.Mutex
	subs map[string]*Subscription // user id -> live subscription
}

// New creates a multiplexer whose channel subjects start with prefix.
func New(transport Transport, prefix string, routes Routes, log *logger.Logger) *Multiplexer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Multiplexer{
		transport: transport,
		prefix:    prefix,
		routes:    routes,
		logger:    log.Named("mux"),
		tracer:    tracing.Tracer("mux"),
		subs:      make(map[string]*Subscription),
	}
}

// UserChannel returns the personal channel of userID.
func (m *Multiplexer) UserChannel(userID string) Channel {
	return Channel{Kind: ChannelUser, ID: userID, Subject: m.subject(ChannelUser, userID)}
}

// GroupChannel returns the channel of groupID.
func (m *Multiplexer) GroupChannel(groupID string) Channel {
	return Channel{Kind: ChannelGroup, ID: groupID, Subject: m.subject(ChannelGroup, groupID)}
}

func (m *Multiplexer) subject(kind ChannelKind, id string) string {
	if m.prefix == "" {
		return string(kind) + "." + id
	}
	return m.prefix + "." + string(kind) + "." + id
}

// Subscribe subscribes the user channel and one channel per group. Calling
// it again for the same user reuses the live subscription and only applies
// the group diff.
func (m *Multiplexer) Subscribe(ctx context.Context, userID string, groupIDs []string, authToken string) (*Subscription, error) {
	if strings.TrimSpace(authToken) == "" {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	if err := validateChannelID(userID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	sub, ok := m.subs[userID]
	if !ok || sub.isClosed() {
		subCtx, cancel := context.WithCancel(ctx)
		sub = &Subscription{
			ID:       uuid.NewString(),
			UserID:   userID,
			mux:      m,
			ctx:      subCtx,
			cancel:   cancel,
			channels: make(map[string]active),
		}
		m.subs[userID] = sub
	}
	m.mu.Unlock()

	if err := sub.ensure(m.UserChannel(userID)); err != nil {
		return nil, err
	}
	if err := sub.SetGroups(groupIDs); err != nil {
		return sub, err
	}
	return sub, nil
}

// OnEvent decodes raw and dispatches it. Unclassifiable payloads are dropped
// without error, and a panicking handler never takes the session down.
func (m *Multiplexer) OnEvent(ctx context.Context, raw RawEvent) {
	ev := Decode(raw.Channel, raw.Payload)
	metrics.PushEventsTotal.WithLabelValues(string(ev.Kind())).Inc()

	if ignored, ok := ev.(model.IgnoredEvent); ok {
		metrics.PushEventsDropped.WithLabelValues(ignored.Reason).Inc()
		m.logger.Debug("push event dropped",
			zap.String("subject", raw.Channel.Subject),
			zap.String("reason", ignored.Reason),
		)
		return
	}

	h := m.route(ev.Kind())
	if h == nil {
		return
	}

	ctx, span := m.tracer.Start(ctx, "mux.dispatch", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind())),
		attribute.String("channel.subject", raw.Channel.Subject),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind())),
				zap.Any("panic", r),
			)
		}
	}()
	h.HandleEvent(ctx, ev)
}

func (m *Multiplexer) route(kind model.EventKind) Handler {
	switch kind {
	case model.EventChatMessage:
		return m.routes.Chat
	case model.EventTyping:
		return m.routes.Typing
	case model.EventCallUpdate:
		return m.routes.Call
	case model.EventGroupMessage:
		return m.routes.Group
	}
	return nil
}

func (m *Multiplexer) forget(sub *Subscription) {
	m.mu.Lock()
	if m.subs[sub.UserID] == sub {
		delete(m.subs, sub.UserID)
	}
	m.mu.Unlock()
}

type active struct {
	channel Channel
	unsub   Unsubscriber
}

// Subscription is the handle of one user's set of channels.
type Subscription struct {
	ID     string
	UserID string

	mux    *Multiplexer
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]active // subject -> transport subscription
	closed   bool
}

// SetGroups reconciles group channels with groupIDs: new groups are
// subscribed, groups no longer listed are torn down.
func (s *Subscription) SetGroups(groupIDs []string) error {
	want := make(map[string]Channel, len(groupIDs))
	for _, id := range groupIDs {
		id = strings.TrimSpace(id)
		if err := validateChannelID(id); err != nil {
			return err
		}
		ch := s.mux.GroupChannel(id)
		want[ch.Subject] = ch
	}

	s.mu.Lock()
	var stale []active
	for subject, a := range s.channels {
		if a.channel.Kind != ChannelGroup {
			continue
		}
		if _, keep := want[subject]; !keep {
			stale = append(stale, a)
			delete(s.channels, subject)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, a := range stale {
		if err := s.release(a); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ch := range want {
		if err := s.ensure(ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Channels lists the active channels sorted by subject.
func (s *Subscription) Channels() []Channel {
	s.mu.Lock()
	out := make([]Channel, 0, len(s.channels))
	for _, a := range s.channels {
		out = append(out, a.channel)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Close tears down every channel. Events still in flight are discarded.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[string]active)
	s.mu.Unlock()

	s.cancel()
	s.mux.forget(s)

	var errs []error
	for _, a := range channels {
		if err := s.release(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensure subscribes ch unless it is already active.
func (s *Subscription) ensure(ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriptionClosed
	}
	if _, ok := s.channels[ch.Subject]; ok {
		return nil
	}

	unsub, err := s.mux.transport.Subscribe(ch.Subject, func(payload []byte) {
		if s.ctx.Err() != nil {
			return
		}
		s.mux.OnEvent(s.ctx, RawEvent{Channel: ch, Payload: payload})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", ch.Subject, err)
	}
	s.channels[ch.Subject] = active{channel: ch, unsub: unsub}
	metrics.ActiveChannels.Inc()
	s.mux.logger.Info("channel subscribed", zap.String("subject", ch.Subject))
	return nil
}

func (s *Subscription) release(a active) error {
	metrics.ActiveChannels.Dec()
	s.mux.logger.Info("channel released", zap.String("subject", a.channel.Subject))
	if err := a.unsub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", a.channel.Subject, err)
	}
	return nil
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func validateChannelID(id string) error {
	if id == "" || strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, id)
	}
	return nil
}
