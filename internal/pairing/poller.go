// Package pairing drives the QR login handshake: create a pairing session,
// poll its status on a fixed interval and exchange it for credentials once
// another device approves it.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/pkg/logger"
	"github.com/defcomm/secure-sync/pkg/metrics"
)

// DefaultInterval is the status polling period.
const DefaultInterval = 2 * time.Second

var (
	ErrExpired        = errors.New("pairing session expired")
	ErrCancelled      = errors.New("pairing cancelled")
	ErrAlreadyStarted = errors.New("pairing already started")
	ErrAuthentication = errors.New("failed to apply pairing credentials")
)

// Client is the backend side of the handshake.
type Client interface {
	CreatePairing(ctx context.Context) (model.PairingSession, error)
	PairingStatus(ctx context.Context, sessionID string) (model.PairingStatus, error)
	ExchangePairing(ctx context.Context, sessionID string) (model.Credentials, error)
}

// Authenticator receives the credentials of an approved session.
type Authenticator interface {
	Authenticate(ctx context.Context, creds model.Credentials) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds model.Credentials) error

// Authenticate calls f(ctx, creds).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds model.Credentials) error {
	return f(ctx, creds)
}

// Timer is a scheduled tick that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) Schedule(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval overrides the polling period.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(p *Poller) { p.scheduler = s }
}

// Poller runs a single pairing attempt. It is not reusable: start a new
// Poller for every attempt.
type Poller struct {
	client    Client
	auth      Authenticator
	scheduler Scheduler
	interval  time.Duration
	logger    *logger.Logger

	mu         sync.Mutex
	started    bool
	finished   bool
	exchanging bool
	session    model.PairingSession
	timer      Timer
	ctx        context.Context
	cancel     context.CancelFunc
	err        error
	done       chan struct{}
}

// New creates an idle poller.
func New(client Client, auth Authenticator, log *logger.Logger, opts ...Option) *Poller {
	if log == nil {
		log = logger.NewNop()
	}
	p := &Poller{
		client:    client,
		auth:      auth,
		scheduler: clockScheduler{},
		interval:  DefaultInterval,
		logger:    log.Named("pairing"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start creates the pairing session and schedules the first poll. ctx bounds
// every backend call made by the attempt.
func (p *Poller) Start(ctx context.Context) (model.PairingSession, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return model.PairingSession{}, ErrAlreadyStarted
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	runCtx := p.ctx
	p.mu.Unlock()

	session, err := p.client.CreatePairing(runCtx)
	if err != nil {
		err = fmt.Errorf("failed to create pairing session: %w", err)
		p.mu.Lock()
		p.finish(err)
		p.mu.Unlock()
		return model.PairingSession{}, err
	}
	if session.Status == "" {
		session.Status = model.PairingPending
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return session, p.err
	}
	p.session = session
	p.timer = p.scheduler.Schedule(p.interval, p.run)

	p.logger.Info("pairing session created", zap.String("session_id", session.ID))
	return session, nil
}

// Cancel stops polling. No tick has any effect once Cancel returns.
func (p *Poller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finish(ErrCancelled)
	p.logger.Info("pairing cancelled", zap.String("session_id", p.session.ID))
}

// Session returns the last known state of the pairing session.
func (p *Poller) Session() model.PairingSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Done is closed when the attempt reaches a terminal state.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Err returns nil after a successful exchange, the terminal error after a
// failed one, and nil while the attempt is still running.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Poller) run() {
	if !p.tick() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished {
		p.timer = p.scheduler.Schedule(p.interval, p.run)
	}
}

// tick polls once and reports whether polling should continue.
func (p *Poller) tick() bool {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return false
	}
	if p.exchanging {
		p.mu.Unlock()
		return true
	}
	ctx, id := p.ctx, p.session.ID
	p.mu.Unlock()

	status, err := p.client.PairingStatus(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		metrics.PairingPolls.WithLabelValues("error").Inc()
		p.logger.Warn("pairing status poll failed", zap.String("session_id", id), zap.Error(err))
		return true
	}
	metrics.PairingPolls.WithLabelValues(string(status)).Inc()

	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return false
	}
	p.session.Status = status

	switch status {
	case model.PairingPending:
		p.mu.Unlock()
		return true
	case model.PairingExpired:
		p.finish(ErrExpired)
		p.mu.Unlock()
		p.logger.Info("pairing session expired", zap.String("session_id", id))
		return false
	case model.PairingApproved:
		if p.exchanging {
			p.mu.Unlock()
			return true
		}
		p.exchanging = true
		p.mu.Unlock()
		return p.exchange(ctx, id)
	default:
		p.mu.Unlock()
		p.logger.Warn("unknown pairing status", zap.String("session_id", id), zap.String("status", string(status)))
		return true
	}
}

// exchange runs with the exchanging gate held.
func (p *Poller) exchange(ctx context.Context, id string) bool {
	creds, err := p.client.ExchangePairing(ctx, id)
	if err != nil {
		metrics.PairingExchanges.WithLabelValues("error").Inc()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.exchanging = false
		if p.finished {
			return false
		}
		p.logger.Warn("pairing exchange failed", zap.String("session_id", id), zap.Error(err))
		return true
	}

	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	authErr := p.auth.Authenticate(ctx, creds)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanging = false
	if p.finished {
		return false
	}
	if authErr != nil {
		metrics.PairingExchanges.WithLabelValues("error").Inc()
		p.finish(fmt.Errorf("%w: %v", ErrAuthentication, authErr))
		p.logger.Error("pairing credentials rejected", zap.String("session_id", id), zap.Error(authErr))
		return false
	}
	metrics.PairingExchanges.WithLabelValues("success").Inc()
	p.finish(nil)
	p.logger.Info("pairing approved", zap.String("session_id", id), zap.String("user_id", creds.User.ID))
	return false
}

// finish must be called with mu held.
func (p *Poller) finish(err error) {
	if p.finished {
		return
	}
	p.finished = true
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
	close(p.done)
}
