package service

import (
	"context"

	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/internal/pairing"
)

// PairingState is the view of the current pairing attempt.
type PairingState struct {
	Session model.PairingSession `json:"session"`
	Done    bool                 `json:"done"`
	Error   string               `json:"error,omitempty"`
}

// StartPairing opens a new QR pairing attempt, cancelling any previous one.
// On approval the service starts a session with the exchanged credentials.
func (s *SyncService) StartPairing(ctx context.Context) (model.PairingSession, error) {
	opts := []pairing.Option{pairing.WithInterval(s.opts.PairingInterval)}
	if s.opts.PairingScheduler != nil {
		opts = append(opts, pairing.WithScheduler(s.opts.PairingScheduler))
	}
	p := pairing.New(s.backend, pairing.AuthenticatorFunc(s.Authenticate), s.logger, opts...)

	s.mu.Lock()
	prev := s.poller
	s.poller = p
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	return p.Start(s.ctx)
}

// Pairing reports the current pairing attempt.
func (s *SyncService) Pairing() (PairingState, error) {
	s.mu.RLock()
	p := s.poller
	s.mu.RUnlock()
	if p == nil {
		return PairingState{}, ErrNoPairing
	}

	state := PairingState{Session: p.Session()}
	select {
	case <-p.Done():
		state.Done = true
		if err := p.Err(); err != nil {
			state.Error = err.Error()
		}
	default:
	}
	return state, nil
}

// CancelPairing stops the current pairing attempt, if any.
func (s *SyncService) CancelPairing() bool {
	s.mu.Lock()
	p := s.poller
	s.poller = nil
	s.mu.Unlock()
	if p == nil {
		return false
	}
	p.Cancel()
	return true
}
