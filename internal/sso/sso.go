// Package sso defines the contract between federated identity adapters and
// the login-handling layer. Adapters verify external assertions (SAML
// responses, OIDC token exchanges) and hand verified identities to the
// session bridge; nothing downstream knows which protocol produced a session.
package sso

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"gatekit.org/internal/session"
)

// ClientIP extracts the originating client address for session records and
// per-client limits: the first X-Forwarded-For entry when a proxy is in
// front, the remote address host otherwise. SplitHostPort handles bracketed
// IPv6 remote addresses.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SessionExpiryFallback is the session lifetime used when the protocol does
// not advertise one (SAML always, OIDC when the token has no expiry).
const SessionExpiryFallback = 8 * time.Hour

// ExternalIdentity is the normalized result of a verified assertion.
type ExternalIdentity struct {
	Subject    string
	Email      string
	Name       string
	Attributes map[string][]string
}

// InitiateRequest carries request metadata into a login initiation.
type InitiateRequest struct {
	// RedirectTo is the caller-chosen post-login target.
	RedirectTo string
	IPAddress  string
	UserAgent  string
}

// Result is the outcome of a callback. Err is internal detail for logs; the
// login layer surfaces only a generic failure to the end user.
type Result struct {
	Success     bool
	Identity    *ExternalIdentity
	Session     *session.Session
	RedirectURL string
	Err         error
}

// Provider is one configured identity provider. Construction performs the
// configuration-time work (discovery, IdP metadata parsing) and fails the
// provider entirely on error; per-attempt failures never affect other
// attempts.
type Provider interface {
	ID() string
	Initiate(ctx context.Context, req InitiateRequest) (string, error)
	HandleCallback(ctx context.Context, r *http.Request) Result
	// Logout deactivates the session and returns where to send the user:
	// the provider's single-logout endpoint when it has one, a local target
	// otherwise. It never strands the user on an error.
	Logout(ctx context.Context, sess *session.Session) string
	// ServiceProviderMetadata renders our own descriptor for registration
	// with the external provider. Configuration-time tooling.
	ServiceProviderMetadata() ([]byte, error)
}

// Protocol failure sentinels. Each fails a single login attempt.
var (
	ErrStateMismatch  = errors.New("sso: state mismatch")
	ErrExpiredAttempt = errors.New("sso: login attempt expired or unknown")
	ErrMissingEmail   = errors.New("sso: no email in assertion")
	ErrMissingCode    = errors.New("sso: authorization code missing")
	ErrMissingPayload = errors.New("sso: response payload missing")
)

// ConfigError marks a provider as misconfigured. The provider is unusable
// until reconfigured; the process keeps running.
type ConfigError struct {
	Provider string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sso: provider %s misconfigured: %v", e.Provider, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProtocolError wraps a per-attempt verification failure.
type ProtocolError struct {
	Provider string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("sso: provider %s: %v", e.Provider, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Failure builds a failed Result carrying the internal error and the page to
// send the user to.
func Failure(provider, redirectURL string, err error) Result {
	return Result{
		RedirectURL: redirectURL,
		Err:         &ProtocolError{Provider: provider, Err: err},
	}
}

// EmailLike reports whether s is syntactically usable as an email address.
// Deliberately loose: one @, a non-empty local part, a dotted domain.
func EmailLike(s string) bool {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') {
		return false
	}
	domain := s[at+1:]
	dot := strings.IndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}
