// Package call models the single active voice call session and owns the
// ringtone resource.
package call

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/model"
	"github.com/defcomm/secure-sync/pkg/logger"
	"github.com/defcomm/secure-sync/pkg/metrics"
)

// State is the lifecycle state of the call session.
type State string

const (
	StateIdle      State = "idle"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateMissed    State = "missed"
)

// Direction records who placed the call.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	ErrNoSession         = errors.New("no active call")
	ErrCallInProgress    = errors.New("a call is already in progress")
	ErrInvalidTransition = errors.New("invalid call transition")
)

// Ringtone is the audible incoming-call signal. Start and Stop must return
// promptly; they are invoked while the machine holds its lock.
type Ringtone interface {
	Start()
	Stop()
}

// Session is a snapshot of the tracked call.
type Session struct {
	State             State     `json:"state"`
	Direction         Direction `json:"direction,omitempty"`
	RemotePartyID     string    `json:"remote_party_id,omitempty"`
	MessageID         string    `json:"message_id,omitempty"`
	ProviderMeetingID string    `json:"provider_meeting_id,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	Duration          int       `json:"duration"`
	RingtonePlaying   bool      `json:"ringtone_playing"`
}

// Outcome reports how an inbound update affected the session.
type Outcome int

const (
	// Unchanged means the update was valid but had no effect.
	Unchanged Outcome = iota
	// Applied means the session changed.
	Applied
	// Stale means the update referenced a call other than the tracked one.
	Stale
	// NotAddressed means the update was not meant for the local user.
	NotAddressed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case NotAddressed:
		return "not_addressed"
	default:
		return "unchanged"
	}
}

type session struct {
	state     State
	direction Direction
	remote    string
	messageID string
	meetingID string
	startedAt time.Time
	duration  int
}

// Machine drives one call session at a time. It is the only writer of the
// ringtone: every path to a terminal state stops it.
type Machine struct {
	mu          sync.Mutex
	localUserID string
	ringtone    Ringtone
	ringing     bool
	current     *session
	now         func() time.Time
	logger      *logger.Logger
}

// NewMachine creates an idle machine for localUserID.
func NewMachine(localUserID string, ringtone Ringtone, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Machine{
		localUserID: localUserID,
		ringtone:    ringtone,
		now:         time.Now,
		logger:      log.Named("call"),
	}
}

// Apply feeds an inbound call update into the machine.
func (m *Machine) Apply(ev model.CallUpdateEvent) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s != nil && ev.MessageID != s.messageID {
		return Stale
	}

	switch ev.State {
	case model.CallStateRinging:
		if s != nil {
			return Unchanged
		}
		return m.ring(ev)

	case model.CallStateConnected:
		if s == nil {
			return m.adopt(ev)
		}
		switch s.state {
		case StateRinging:
			m.stopRingtone()
			s.startedAt = m.now()
			s.duration = ev.Duration
			m.transition(s, StateConnected)
			return Applied
		case StateConnected:
			if s.duration == ev.Duration {
				return Unchanged
			}
			s.duration = ev.Duration
			return Applied
		}
		return Unchanged

	case model.CallStateMissed:
		if ev.ReceiverID != m.localUserID {
			return NotAddressed
		}
		if s == nil {
			m.stopRingtone()
			return Unchanged
		}
		if s.state != StateRinging {
			return Unchanged
		}
		m.terminate(s, StateMissed)
		return Applied

	case model.CallStateEnded:
		if s == nil {
			return Unchanged
		}
		m.terminate(s, StateEnded)
		return Applied
	}
	return Unchanged
}

// StartOutgoing tracks a call placed by the local user.
func (m *Machine) StartOutgoing(remotePartyID, messageID, meetingID string) error {
	if remotePartyID == "" || messageID == "" {
		return ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return ErrCallInProgress
	}
	s := &session{
		state:     StateIdle,
		direction: Outgoing,
		remote:    remotePartyID,
		messageID: messageID,
		meetingID: meetingID,
	}
	m.current = s
	m.transition(s, StateRinging)
	return nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil {
		return ErrNoSession
	}
	if s.state != StateRinging || s.direction != Incoming {
		return ErrInvalidTransition
	}
	m.stopRingtone()
	s.startedAt = m.now()
	m.transition(s, StateConnected)
	return nil
}

// HangUp ends the tracked call from any non-terminal state. The ringtone is
// stopped even when there is nothing to hang up.
func (m *Machine) HangUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil {
		m.stopRingtone()
		return ErrNoSession
	}
	m.terminate(s, StateEnded)
	return nil
}

// SetMeetingID records the provider meeting id of the tracked call.
func (m *Machine) SetMeetingID(meetingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoSession
	}
	m.current.meetingID = meetingID
	return nil
}

// Snapshot returns the current session, or an idle session.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil {
		return Session{State: StateIdle, RingtonePlaying: m.ringing}
	}
	return Session{
		State:             s.state,
		Direction:         s.direction,
		RemotePartyID:     s.remote,
		MessageID:         s.messageID,
		ProviderMeetingID: s.meetingID,
		StartedAt:         s.startedAt,
		Duration:          s.duration,
		RingtonePlaying:   m.ringing,
	}
}

// Close is the abrupt teardown path: the session is dropped and the
// ringtone released.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopRingtone()
	m.current = nil
}

func (m *Machine) ring(ev model.CallUpdateEvent) Outcome {
	var s *session
	switch m.localUserID {
	case ev.ReceiverID:
		s = &session{direction: Incoming, remote: ev.SenderID}
	case ev.SenderID:
		s = &session{direction: Outgoing, remote: ev.ReceiverID}
	default:
		return NotAddressed
	}
	s.state = StateIdle
	s.messageID = ev.MessageID
	s.meetingID = ev.MeetingID
	m.current = s
	m.transition(s, StateRinging)
	if s.direction == Incoming {
		m.startRingtone()
	}
	return Applied
}

// adopt picks up a call that connected without this client seeing it ring.
func (m *Machine) adopt(ev model.CallUpdateEvent) Outcome {
	var s *session
	switch m.localUserID {
	case ev.ReceiverID:
		s = &session{direction: Incoming, remote: ev.SenderID}
	case ev.SenderID:
		s = &session{direction: Outgoing, remote: ev.ReceiverID}
	default:
		return NotAddressed
	}
	s.state = StateIdle
	s.messageID = ev.MessageID
	s.meetingID = ev.MeetingID
	s.startedAt = m.now()
	s.duration = ev.Duration
	m.current = s
	m.transition(s, StateConnected)
	return Applied
}

// terminate moves s to a terminal state and immediately resets to idle.
func (m *Machine) terminate(s *session, terminal State) {
	m.stopRingtone()
	m.transition(s, terminal)
	m.current = nil
	metrics.RecordCallTransition(string(terminal), string(StateIdle))
}

func (m *Machine) transition(s *session, to State) {
	from := s.state
	s.state = to
	metrics.RecordCallTransition(string(from), string(to))
	m.logger.Info("call transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("message_id", s.messageID),
		zap.String("remote_party_id", s.remote),
	)
}

func (m *Machine) startRingtone() {
	if m.ringing {
		return
	}
	m.ringing = true
	metrics.SetRingtone(true)
	if m.ringtone != nil {
		m.ringtone.Start()
	}
}

func (m *Machine) stopRingtone() {
	if !m.ringing {
		return
	}
	m.ringing = false
	metrics.SetRingtone(false)
	if m.ringtone != nil {
		m.ringtone.Stop()
	}
}
