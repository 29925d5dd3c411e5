// Package session holds federated login state: the short-lived per-attempt
// records used while a login is in flight, and the durable external identity
// sessions produced by a successful callback.
package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrInvalidInput = errors.New("session: invalid input")
)

// LoginStateTTL bounds how long an in-flight login attempt stays valid.
const LoginStateTTL = 10 * time.Minute

// LoginState is the transient protocol state for one login attempt, keyed by
// a generated attempt id. It is written at initiate time and consumed exactly
// once at callback time; a second read finds nothing, which defeats replay.
type LoginState struct {
	AttemptID    string
	ProviderID   string
	State        string
	Nonce        string
	PKCEVerifier string
	RedirectTo   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the attempt is past its deadline.
func (s LoginState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Session is the durable record of a federated login. Deactivated, never
// deleted, so the audit trail survives logout.
type Session struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"identity_provider_id"`
	ExternalID string    `json:"external_id"`
	UserID     string    `json:"user_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Data       []byte    `json:"-"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Active     bool      `json:"active"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Valid reports whether the session can still authenticate requests.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || !s.Active {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}
