package model

import (
	"fmt"
	"strings"
	"time"
)

// CallState is the call status carried on a call message.
type CallState string

const (
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateMissed    CallState = "miss"
	CallStateEnded     CallState = "ended"
)

// Valid reports whether s is a known call state.
func (s CallState) Valid() bool {
	switch s {
	case CallStateRinging, CallStateConnected, CallStateMissed, CallStateEnded:
		return true
	}
	return false
}

// Message represents one entry of a conversation timeline.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`

	// Mine is set by the reconciler when SenderID is the local user.
	Mine bool `json:"mine"`

	// Call fields, present on call messages only
	CallState    *CallState `json:"call_state,omitempty"`
	CallDuration *int       `json:"call_duration,omitempty"`
}

// Clone returns a deep copy so callers never alias reconciler state.
func (m Message) Clone() Message {
	if m.CallState != nil {
		s := *m.CallState
		m.CallState = &s
	}
	if m.CallDuration != nil {
		d := *m.CallDuration
		m.CallDuration = &d
	}
	return m
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000000",
}

// ParseTimestamp accepts the timestamp layouts emitted by the backend.
// Zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
