package model

import "time"

// PairingStatus is the server-side state of a pairing session.
type PairingStatus string

const (
	PairingPending  PairingStatus = "pending"
	PairingApproved PairingStatus = "approved"
	PairingExpired  PairingStatus = "expired"
)

// PairingSession is one QR login handshake.
type PairingSession struct {
	ID        string        `json:"session_id"`
	Status    PairingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// User is the authenticated account returned by a credential exchange.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Credentials are issued by a successful pairing exchange.
type Credentials struct {
	AccessToken string `json:"access_token"`
	User        User   `json:"user"`
}
