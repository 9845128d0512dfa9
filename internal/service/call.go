package service

import (
	"github.com/google/uuid"

	"github.com/defcomm/secure-sync/internal/call"
)

// Call returns the tracked call session.
func (s *SyncService) Call() (call.Session, error) {
	sess, err := s.session()
	if err != nil {
		return call.Session{}, err
	}
	return sess.calls.Snapshot(), nil
}

// AcceptCall answers the ringing incoming call.
func (s *SyncService) AcceptCall() error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	return sess.calls.Accept()
}

// HangUp ends the tracked call.
func (s *SyncService) HangUp() error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	return sess.calls.HangUp()
}

// StartOutgoing tracks a call placed to remotePartyID. An empty messageID
// gets a generated one.
func (s *SyncService) StartOutgoing(remotePartyID, messageID, meetingID string) (call.Session, error) {
	sess, err := s.session()
	if err != nil {
		return call.Session{}, err
	}
	if messageID == "" {
		messageID = uuid.Must(uuid.NewV7()).String()
	}
	if err := sess.calls.StartOutgoing(remotePartyID, messageID, meetingID); err != nil {
		return call.Session{}, err
	}
	return sess.calls.Snapshot(), nil
}

// SetMeetingID records the provider meeting of the tracked call.
func (s *SyncService) SetMeetingID(meetingID string) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	return sess.calls.SetMeetingID(meetingID)
}
