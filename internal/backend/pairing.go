package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/defcomm/secure-sync/internal/model"
)

var ErrMalformedPairing = errors.New("backend: malformed pairing response")

type wirePairing struct {
	SessionID model.WireID `json:"session_id"`
	ID        model.WireID `json:"id"`
	Status    string       `json:"status"`
	CreatedAt string       `json:"created_at"`
}

type wireCredentials struct {
	AccessToken string `json:"access_token"`
	User        struct {
		ID   model.WireID `json:"id"`
		Name string       `json:"name"`
		Role string       `json:"role"`
	} `json:"user"`
}

// CreatePairing opens a QR pairing session.
func (c *Client) CreatePairing(ctx context.Context) (model.PairingSession, error) {
	env, err := c.do(ctx, http.MethodPost, "/qr/create", nil, false)
	if err != nil {
		return model.PairingSession{}, err
	}
	var w wirePairing
	if err := decodeData(env, &w); err != nil {
		return model.PairingSession{}, err
	}

	session := model.PairingSession{ID: string(w.SessionID), Status: model.PairingPending}
	if session.ID == "" {
		session.ID = string(w.ID)
	}
	if session.ID == "" {
		return model.PairingSession{}, ErrMalformedPairing
	}
	if w.Status != "" {
		session.Status = model.PairingStatus(w.Status)
	}
	session.CreatedAt = time.Now().UTC()
	if ts, err := model.ParseTimestamp(w.CreatedAt); err == nil {
		session.CreatedAt = ts
	}
	return session, nil
}

// PairingStatus reads the status of a pairing session. The status is
// reported either at the top level of the response or inside data.
func (c *Client) PairingStatus(ctx context.Context, sessionID string) (model.PairingStatus, error) {
	env, err := c.do(ctx, http.MethodGet, "/qr/"+escape(sessionID)+"/status", nil, false)
	if err != nil {
		return "", err
	}

	var status string
	if json.Unmarshal(env.Status, &status) == nil && status != "" {
		return model.PairingStatus(status), nil
	}
	var w wirePairing
	if err := decodeData(env, &w); err != nil {
		return "", err
	}
	if w.Status == "" {
		return "", ErrMalformedPairing
	}
	return model.PairingStatus(w.Status), nil
}

// ExchangePairing trades an approved session for credentials and adopts
// the issued token.
func (c *Client) ExchangePairing(ctx context.Context, sessionID string) (model.Credentials, error) {
	body := map[string]bool{"confirm": true}
	env, err := c.do(ctx, http.MethodPost, "/qr/"+escape(sessionID)+"/exchange", body, false)
	if err != nil {
		return model.Credentials{}, err
	}
	var w wireCredentials
	if err := decodeData(env, &w); err != nil {
		return model.Credentials{}, err
	}
	if w.AccessToken == "" {
		return model.Credentials{}, fmt.Errorf("%w: missing token", ErrMalformedPairing)
	}
	userID := string(w.User.ID)
	if userID == "" {
		userID = tokenSubject(w.AccessToken)
	}
	if userID == "" {
		return model.Credentials{}, fmt.Errorf("%w: missing user", ErrMalformedPairing)
	}

	c.SetToken(w.AccessToken)
	return model.Credentials{
		AccessToken: w.AccessToken,
		User:        model.User{ID: userID, Name: w.User.Name, Role: w.User.Role},
	}, nil
}

// tokenSubject reads the subject of a JWT access token without verifying
// it. The backend remains the authority on the token.
func tokenSubject(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
