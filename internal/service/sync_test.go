package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/defcomm/secure-sync/internal/call"
	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/internal/mux"
	"github.com/defcomm/secure-sync/internal/pairing"
)

type fakeSub struct {
	t       *fakeTransport
	subject string
}

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.subs, s.subject)
	return nil
}

type fakeTransport struct {
	mu   sync.Mutex
	subs map[string]func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]func([]byte))}
}

func (f *fakeTransport) Subscribe(subject string, deliver func([]byte)) (mux.Unsubscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[subject] = deliver
	return &fakeSub{t: f, subject: subject}, nil
}

func (f *fakeTransport) publish(t *testing.T, subject, payload string) {
	t.Helper()
	f.mu.Lock()
	deliver, ok := f.subs[subject]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription on %s", subject)
	}
	deliver([]byte(payload))
}

func (f *fakeTransport) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type fakeBackend struct {
	mu        sync.Mutex
	history   map[model.ConversationKey][]model.Message
	fetches   map[model.ConversationKey]int
	groups    []model.Group
	groupsErr error
	logouts   int
	token     string
	statuses  []model.PairingStatus
	polls     int

	// groupsGate, when set, blocks Groups until closed.
	groupsGate    chan struct{}
	groupsEntered chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: make(map[model.ConversationKey][]model.Message),
		fetches: make(map[model.ConversationKey]int),
	}
}

func (b *fakeBackend) History(_ context.Context, key model.ConversationKey) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches[key]++
	return append([]model.Message(nil), b.history[key]...), nil
}

func (b *fakeBackend) Contacts(context.Context) ([]model.Contact, error) {
	return []model.Contact{{ID: "7", Name: "Ada"}}, nil
}

func (b *fakeBackend) Groups(context.Context) ([]model.Group, error) {
	b.mu.Lock()
	gate, entered := b.groupsGate, b.groupsEntered
	b.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groups, b.groupsErr
}

func (b *fakeBackend) Logout(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logouts++
	return nil
}

func (b *fakeBackend) SetToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

func (b *fakeBackend) CreatePairing(context.Context) (model.PairingSession, error) {
	return model.PairingSession{ID: "qr-1", Status: model.PairingPending}, nil
}

func (b *fakeBackend) PairingStatus(context.Context, string) (model.PairingStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.polls
	b.polls++
	if i < len(b.statuses) {
		return b.statuses[i], nil
	}
	return model.PairingPending, nil
}

func (b *fakeBackend) ExchangePairing(context.Context, string) (model.Credentials, error) {
	return model.Credentials{AccessToken: "paired", User: model.User{ID: "u9"}}, nil
}

type fakeRingtone struct {
	mu      sync.Mutex
	playing bool
	starts  int
}

func (r *fakeRingtone) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = true
	r.starts++
}

func (r *fakeRingtone) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = false
}

func (r *fakeRingtone) isPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

type manualTimer struct{ stopped bool }

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualScheduler struct {
	mu  sync.Mutex
	fns []func()
	tms []*manualTimer
}

func (s *manualScheduler) Schedule(_ time.Duration, fn func()) pairing.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{}
	s.fns = append(s.fns, fn)
	s.tms = append(s.tms, t)
	return t
}

func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	for len(s.fns) > 0 {
		fn, t := s.fns[0], s.tms[0]
		s.fns, s.tms = s.fns[1:], s.tms[1:]
		if t.stopped {
			continue
		}
		t.stopped = true
		s.mu.Unlock()
		fn()
		return true
	}
	s.mu.Unlock()
	return false
}

type harness struct {
	svc       *SyncService
	transport *fakeTransport
	backend   *fakeBackend
	ringtone  *fakeRingtone
	scheduler *manualScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		backend:   newFakeBackend(),
		ringtone:  &fakeRingtone{},
		scheduler: &manualScheduler{},
	}
	h.svc = NewSyncService(h.transport, h.backend,
		func(string) call.Ringtone { return h.ringtone },
		Options{ChannelPrefix: "chat", GroupIDs: []string{"g1"}, PairingScheduler: h.scheduler},
		nil,
	)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func chatPayload(id, sender, receiver, createdAt, body string) string {
	return `{"message":"` + body + `","data":{"id":"` + id + `","user_id":"` + sender + `","receiver_id":"` + receiver + `","created_at":"` + createdAt + `"}}`
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStartSubscribesUserAndGroups(t *testing.T) {
	h := newHarness(t)
	h.backend.groups = []model.Group{{ID: "g2"}, {ID: "g1"}}
	h.start(t)

	want := []string{"chat.group.g1", "chat.group.g2", "chat.user.u1"}
	got := h.transport.subjects()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if h.backend.token != "tok" {
		t.Fatalf("expected backend token set")
	}
}

func TestRosterFailureFallsBackToConfiguredGroups(t *testing.T) {
	h := newHarness(t)
	h.backend.groupsErr = errors.New("503")
	h.start(t)

	if n := len(h.svc.Channels()); n != 2 {
		t.Fatalf("expected user + configured group channel, got %d", n)
	}
}

func TestRefreshGroupsAppliesDiff(t *testing.T) {
	h := newHarness(t)
	h.backend.groups = []model.Group{{ID: "g2"}}
	h.start(t)

	h.backend.mu.Lock()
	h.backend.groups = []model.Group{{ID: "g3"}}
	h.backend.mu.Unlock()
	if err := h.svc.RefreshGroups(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got := h.transport.subjects()
	want := []string{"chat.group.g1", "chat.group.g3", "chat.user.u1"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCacheMissRefetchesAndMerges(t *testing.T) {
	h := newHarness(t)
	key := model.DirectKey("7")
	h.backend.history[key] = []model.Message{
		{ID: "1", SenderID: "7", CreatedAt: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	h.start(t)

	h.transport.publish(t, "chat.user.u1", chatPayload("2", "7", "u1", "2025-03-01 12:00:00", "hi"))
	h.svc.wg.Wait()

	msgs, err := h.svc.Messages(context.Background(), key)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if got := ids(msgs); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("expected [1 2], got %v", got)
	}
	if h.backend.fetches[key] != 1 {
		t.Fatalf("expected exactly one fetch, got %d", h.backend.fetches[key])
	}

	// redelivery of an already merged message is a no-op
	h.transport.publish(t, "chat.user.u1", chatPayload("2", "7", "u1", "2025-03-01 12:00:00", "hi"))
	msgs, _ = h.svc.Messages(context.Background(), key)
	if len(msgs) != 2 {
		t.Fatalf("expected duplicate to be dropped, got %d messages", len(msgs))
	}
}

func TestOwnMessageKeyedByReceiver(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	key := model.DirectKey("7")
	if _, err := h.svc.Messages(context.Background(), key); err != nil {
		t.Fatalf("messages: %v", err)
	}
	h.transport.publish(t, "chat.user.u1", chatPayload("5", "u1", "7", "2025-03-01 12:00:00", "sent"))

	msgs, _ := h.svc.Messages(context.Background(), key)
	if len(msgs) != 1 || !msgs[0].Mine {
		t.Fatalf("expected own message in peer thread, got %+v", msgs)
	}
}

func TestGroupMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	key := model.GroupKey("g1")
	if _, err := h.svc.Messages(context.Background(), key); err != nil {
		t.Fatalf("messages: %v", err)
	}
	h.transport.publish(t, "chat.group.g1", chatPayload("9", "7", "", "2025-03-01 12:00:00", "all"))

	msgs, _ := h.svc.Messages(context.Background(), key)
	if len(msgs) != 1 || msgs[0].Body != "all" {
		t.Fatalf("expected group message, got %+v", msgs)
	}
}

func TestTypingUpdatesPresence(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.publish(t, "chat.user.u1", `{"state":"is_typing","sender_id":"7"}`)
	p, err := h.svc.Presence()
	if err != nil || !p["7"] {
		t.Fatalf("expected 7 typing, got %v (%v)", p, err)
	}
	h.transport.publish(t, "chat.user.u1", `{"state":"not_typing","sender_id":"7"}`)
	p, _ = h.svc.Presence()
	if p["7"] {
		t.Fatalf("expected 7 not typing")
	}
}

func TestCallUpdatesDriveMachineAndConversation(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	key := model.DirectKey("7")
	h.backend.history[key] = []model.Message{
		{ID: "c1", SenderID: "7", CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	if _, err := h.svc.Messages(context.Background(), key); err != nil {
		t.Fatalf("messages: %v", err)
	}

	h.transport.publish(t, "chat.user.u1", `{"state":"callUpdate","mss":{"id":"c1"},"sender":{"id":"7"},"call":{"call_state":"ringing","receiver_id":"u1"}}`)
	session, _ := h.svc.Call()
	if session.State != call.StateRinging || !h.ringtone.isPlaying() {
		t.Fatalf("expected ringing with ringtone, got %+v", session)
	}

	h.transport.publish(t, "chat.user.u1", `{"state":"callUpdate","mss":{"id":"c1"},"sender":{"id":"7"},"call":{"call_state":"miss","receiver_id":"u1"}}`)
	session, _ = h.svc.Call()
	if session.State != call.StateIdle || h.ringtone.isPlaying() {
		t.Fatalf("expected idle and silent after miss, got %+v", session)
	}

	msgs, _ := h.svc.Messages(context.Background(), key)
	if msgs[0].CallState == nil || *msgs[0].CallState != model.CallStateMissed {
		t.Fatalf("expected conversation patched to miss, got %+v", msgs[0])
	}
}

func TestCallActions(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.AcceptCall(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	h.start(t)

	session, err := h.svc.StartOutgoing("7", "", "meet-1")
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if session.MessageID == "" || session.Direction != call.Outgoing || h.ringtone.isPlaying() {
		t.Fatalf("unexpected outgoing session %+v", session)
	}
	if err := h.svc.SetMeetingID("meet-2"); err != nil {
		t.Fatalf("set meeting: %v", err)
	}
	if err := h.svc.AcceptCall(); !errors.Is(err, call.ErrInvalidTransition) {
		t.Fatalf("expected outgoing call to be unacceptable, got %v", err)
	}
	if err := h.svc.HangUp(); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	if err := h.svc.HangUp(); !errors.Is(err, call.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestLogoutTearsDown(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.transport.publish(t, "chat.user.u1", `{"state":"callUpdate","mss":{"id":"c1"},"sender":{"id":"7"},"call":{"call_state":"ringing","receiver_id":"u1"}}`)

	if err := h.svc.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if h.backend.logouts != 1 {
		t.Fatalf("expected backend logout")
	}
	if h.svc.Active() {
		t.Fatalf("expected no active session")
	}
	if n := len(h.transport.subjects()); n != 0 {
		t.Fatalf("expected all channels released, %d left", n)
	}
	if h.ringtone.isPlaying() {
		t.Fatalf("expected ringtone stopped on logout")
	}
	if err := h.svc.Logout(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestPairingStartsSession(t *testing.T) {
	h := newHarness(t)
	h.backend.statuses = []model.PairingStatus{model.PairingPending, model.PairingApproved}

	session, err := h.svc.StartPairing(context.Background())
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if session.ID != "qr-1" {
		t.Fatalf("unexpected session %+v", session)
	}

	for h.scheduler.fire() {
	}

	state, err := h.svc.Pairing()
	if err != nil {
		t.Fatalf("pairing state: %v", err)
	}
	if !state.Done || state.Error != "" {
		t.Fatalf("expected successful pairing, got %+v", state)
	}
	if h.svc.UserID() != "u9" {
		t.Fatalf("expected session for u9, got %q", h.svc.UserID())
	}
	if h.backend.token != "paired" {
		t.Fatalf("expected paired token, got %q", h.backend.token)
	}
}

func TestCancelPairing(t *testing.T) {
	h := newHarness(t)
	if h.svc.CancelPairing() {
		t.Fatalf("expected nothing to cancel")
	}
	if _, err := h.svc.StartPairing(context.Background()); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if !h.svc.CancelPairing() {
		t.Fatalf("expected pairing cancelled")
	}
	if h.scheduler.fire() {
		t.Fatalf("expected no tick after cancel")
	}
	if _, err := h.svc.Pairing(); !errors.Is(err, ErrNoPairing) {
		t.Fatalf("expected ErrNoPairing, got %v", err)
	}
}

func TestOverlappingStartsLeaveOneSession(t *testing.T) {
	h := newHarness(t)
	h.backend.groupsGate = make(chan struct{})
	h.backend.groupsEntered = make(chan struct{}, 1)

	errs := make(chan error, 2)
	go func() { errs <- h.svc.Start(context.Background(), "u1", "tok1") }()
	<-h.backend.groupsEntered
	go func() { errs <- h.svc.Start(context.Background(), "u2", "tok2") }()
	close(h.backend.groupsGate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	if h.svc.UserID() != "u2" {
		t.Fatalf("expected u2 session, got %q", h.svc.UserID())
	}
	want := []string{"chat.group.g1", "chat.user.u2"}
	if got := h.transport.subjects(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if h.backend.token != "tok2" {
		t.Fatalf("expected backend token of u2, got %q", h.backend.token)
	}

	h.svc.Close()
	if got := h.transport.subjects(); len(got) != 0 {
		t.Fatalf("expected no subscriptions after close, got %v", got)
	}
}

func TestAuthenticateWithCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.svc.Authenticate(ctx, model.Credentials{AccessToken: "paired", User: model.User{ID: "u9"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.svc.Active() {
		t.Fatalf("expected no session from a cancelled pairing")
	}
	if got := h.transport.subjects(); len(got) != 0 {
		t.Fatalf("expected no subscriptions, got %v", got)
	}
}

func TestStartCancelledDuringRosterFetchInstallsNothing(t *testing.T) {
	h := newHarness(t)
	h.backend.groupsGate = make(chan struct{})
	h.backend.groupsEntered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- h.svc.Start(ctx, "u1", "tok") }()
	<-h.backend.groupsEntered
	cancel()
	close(h.backend.groupsGate)

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.svc.Active() {
		t.Fatalf("expected no session")
	}
	if got := h.transport.subjects(); len(got) != 0 {
		t.Fatalf("expected subscription released, got %v", got)
	}
	if h.backend.token != "" {
		t.Fatalf("expected token cleared, got %q", h.backend.token)
	}
}
