package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/defcomm/secure-sync/internal/model"
)

type fakeTimer struct {
	s       *fakeScheduler
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu      sync.Mutex
	pending []*fakeTimer
	delays  []time.Duration
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, fn: fn}
	s.pending = append(s.pending, t)
	s.delays = append(s.delays, d)
	return t
}

// fire runs the oldest live timer and reports whether one existed.
func (s *fakeScheduler) fire() bool {
	s.mu.Lock()
	for len(s.pending) > 0 {
		t := s.pending[0]
		s.pending = s.pending[1:]
		if t.stopped {
			continue
		}
		t.stopped = true
		s.mu.Unlock()
		t.fn()
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *fakeScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeClient struct {
	mu          sync.Mutex
	statuses    []model.PairingStatus
	statusErrs  []error
	exchangeErr []error
	polls       int
	exchanges   int
	createErr   error
	onPoll      func()
}

func (c *fakeClient) CreatePairing(context.Context) (model.PairingSession, error) {
	if c.createErr != nil {
		return model.PairingSession{}, c.createErr
	}
	return model.PairingSession{ID: "qr-1", Status: model.PairingPending}, nil
}

func (c *fakeClient) PairingStatus(context.Context, string) (model.PairingStatus, error) {
	c.mu.Lock()
	i := c.polls
	c.polls++
	onPoll := c.onPoll
	c.mu.Unlock()
	if onPoll != nil {
		onPoll()
	}
	if i < len(c.statusErrs) && c.statusErrs[i] != nil {
		return "", c.statusErrs[i]
	}
	if i < len(c.statuses) {
		return c.statuses[i], nil
	}
	return c.statuses[len(c.statuses)-1], nil
}

func (c *fakeClient) ExchangePairing(context.Context, string) (model.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.exchanges
	c.exchanges++
	if i < len(c.exchangeErr) && c.exchangeErr[i] != nil {
		return model.Credentials{}, c.exchangeErr[i]
	}
	return model.Credentials{AccessToken: "tok", User: model.User{ID: "u1"}}, nil
}

type fakeAuth struct {
	mu    sync.Mutex
	creds []model.Credentials
	err   error
}

func (a *fakeAuth) Authenticate(_ context.Context, creds model.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = append(a.creds, creds)
	return a.err
}

func newPoller(t *testing.T, c *fakeClient, a *fakeAuth) (*Poller, *fakeScheduler) {
	t.Helper()
	sched := &fakeScheduler{}
	p := New(c, a, nil, WithScheduler(sched), WithInterval(2*time.Second))
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return p, sched
}

func drain(s *fakeScheduler, max int) int {
	n := 0
	for n < max && s.fire() {
		n++
	}
	return n
}

func TestPollerApprovedExchangesOnce(t *testing.T) {
	c := &fakeClient{statuses: []model.PairingStatus{model.PairingPending, model.PairingPending, model.PairingApproved}}
	a := &fakeAuth{}
	p, sched := newPoller(t, c, a)

	ticks := drain(sched, 100)
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	if c.exchanges != 1 {
		t.Fatalf("expected exactly one exchange, got %d", c.exchanges)
	}
	if len(a.creds) != 1 || a.creds[0].AccessToken != "tok" {
		t.Fatalf("expected credentials delivered once, got %v", a.creds)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("expected poller to be done")
	}
	if err := p.Err(); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if p.Session().Status != model.PairingApproved {
		t.Fatalf("expected approved session, got %s", p.Session().Status)
	}
	for _, d := range sched.delays {
		if d != 2*time.Second {
			t.Fatalf("expected 2s interval, got %s", d)
		}
	}
}

func TestPollerExpiredTerminates(t *testing.T) {
	c := &fakeClient{statuses: []model.PairingStatus{model.PairingPending, model.PairingExpired}}
	p, sched := newPoller(t, c, &fakeAuth{})

	if ticks := drain(sched, 100); ticks != 2 {
		t.Fatalf("expected 2 ticks, got %d", ticks)
	}
	if !errors.Is(p.Err(), ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", p.Err())
	}
	if c.exchanges != 0 {
		t.Fatalf("expected no exchange")
	}
}

func TestPollerPollErrorsAreRecoverable(t *testing.T) {
	c := &fakeClient{
		statuses:   []model.PairingStatus{"", "", model.PairingApproved},
		statusErrs: []error{errors.New("timeout"), errors.New("502")},
	}
	a := &fakeAuth{}
	p, sched := newPoller(t, c, a)

	drain(sched, 100)
	if c.polls != 3 {
		t.Fatalf("expected 3 polls, got %d", c.polls)
	}
	if p.Err() != nil || len(a.creds) != 1 {
		t.Fatalf("expected successful pairing, err=%v creds=%d", p.Err(), len(a.creds))
	}
}

func TestPollerExchangeFailureRepolls(t *testing.T) {
	c := &fakeClient{
		statuses:    []model.PairingStatus{model.PairingApproved},
		exchangeErr: []error{errors.New("conflict")},
	}
	a := &fakeAuth{}
	p, sched := newPoller(t, c, a)

	drain(sched, 100)
	if c.exchanges != 2 {
		t.Fatalf("expected a retried exchange, got %d", c.exchanges)
	}
	if c.polls != 2 {
		t.Fatalf("expected status re-checked before retry, got %d polls", c.polls)
	}
	if p.Err() != nil || len(a.creds) != 1 {
		t.Fatalf("expected success after retry")
	}
}

func TestPollerAuthenticationFailureIsTerminal(t *testing.T) {
	c := &fakeClient{statuses: []model.PairingStatus{model.PairingApproved}}
	p, sched := newPoller(t, c, &fakeAuth{err: errors.New("bad token")})

	drain(sched, 100)
	if !errors.Is(p.Err(), ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", p.Err())
	}
	if c.exchanges != 1 {
		t.Fatalf("expected one exchange, got %d", c.exchanges)
	}
}

func TestPollerCancelStopsTicks(t *testing.T) {
	c := &fakeClient{statuses: []model.PairingStatus{model.PairingPending}}
	p, sched := newPoller(t, c, &fakeAuth{})

	sched.fire()
	p.Cancel()
	if sched.live() != 0 {
		t.Fatalf("expected no live timers after cancel")
	}
	if sched.fire() {
		t.Fatalf("expected no tick after cancel")
	}
	if !errors.Is(p.Err(), ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", p.Err())
	}
	p.Cancel()
}

func TestPollerCancelDuringPollHasNoEffect(t *testing.T) {
	c := &fakeClient{statuses: []model.PairingStatus{model.PairingApproved}}
	a := &fakeAuth{}
	p, sched := newPoller(t, c, a)
	c.onPoll = p.Cancel

	sched.fire()
	if c.exchanges != 0 || len(a.creds) != 0 {
		t.Fatalf("expected the in-flight tick to be discarded")
	}
	if sched.live() != 0 {
		t.Fatalf("expected no rescheduling after cancel")
	}
}

func TestPollerTerminatesWithinBoundedTicks(t *testing.T) {
	sequences := [][]model.PairingStatus{
		{model.PairingExpired},
		{model.PairingPending, model.PairingApproved},
		{model.PairingPending, model.PairingPending, model.PairingPending, model.PairingExpired},
	}
	for _, seq := range sequences {
		c := &fakeClient{statuses: seq}
		p, sched := newPoller(t, c, &fakeAuth{})
		ticks := drain(sched, 100)
		if ticks != len(seq) {
			t.Fatalf("sequence %v: expected %d ticks, got %d", seq, len(seq), ticks)
		}
		select {
		case <-p.Done():
		default:
			t.Fatalf("sequence %v: expected termination", seq)
		}
	}
}

func TestPollerCreateFailure(t *testing.T) {
	c := &fakeClient{createErr: errors.New("unreachable")}
	sched := &fakeScheduler{}
	p := New(c, &fakeAuth{}, nil, WithScheduler(sched))

	if _, err := p.Start(context.Background()); err == nil {
		t.Fatalf("expected create error")
	}
	if sched.live() != 0 {
		t.Fatalf("expected nothing scheduled")
	}
	if _, err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}
