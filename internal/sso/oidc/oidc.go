// Package oidc implements the authorization-code-with-PKCE login flow
// against any discoverable OpenID Connect provider.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"gatekit.org/internal/ids"
	"gatekit.org/internal/obs"
	"gatekit.org/internal/session"
	"gatekit.org/internal/sso"
)

// Config is the static configuration for one OIDC provider.
type Config struct {
	ProviderID   string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes defaults to openid, profile, email.
	Scopes []string
	// LoginErrorURL is where failed attempts send the user.
	LoginErrorURL string
	// PostLogoutURL is the local landing page after logout.
	PostLogoutURL string
	// DefaultRedirect is used when an attempt carries no redirect target.
	DefaultRedirect string
}

// Provider is a configured OIDC identity provider. Construction runs issuer
// discovery; a discovery failure marks the provider unusable (ConfigError)
// without affecting the rest of the process.
type Provider struct {
	cfg           Config
	verifier      *gooidc.IDTokenVerifier
	oauth         oauth2.Config
	endSessionURL string

	store  session.Store
	bridge *session.Bridge
	now    func() time.Time
}

// Option configures Provider behavior.
type Option func(*Provider)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(p *Provider) {
		if fn != nil {
			p.now = fn
		}
	}
}

// New discovers the issuer and constructs the provider. The caller's context
// bounds the discovery call.
func New(ctx context.Context, cfg Config, store session.Store, bridge *session.Bridge, opts ...Option) (*Provider, error) {
	if cfg.ProviderID == "" || cfg.Issuer == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: errors.New("provider id, issuer, client id and redirect url are required")}
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}

	discovered, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: fmt.Errorf("discovery: %w", err)}
	}

	// end_session_endpoint is optional metadata; absence just means local logout.
	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	_ = discovered.Claims(&extra)

	p := &Provider{
		cfg:      cfg,
		verifier: discovered.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     discovered.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		endSessionURL: extra.EndSessionEndpoint,
		store:         store,
		bridge:        bridge,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) ID() string { return p.cfg.ProviderID }

// Initiate starts a login attempt: fresh PKCE verifier, CSRF state, and
// replay nonce, all persisted under a new attempt id, then the provider's
// authorization URL. The attempt id rides inside the state parameter so the
// callback can find its stored state again.
func (p *Provider) Initiate(ctx context.Context, req sso.InitiateRequest) (string, error) {
	attemptID := ids.New()
	secret, err := randomToken()
	if err != nil {
		return "", err
	}
	state := attemptID + "." + secret
	nonce := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	now := p.now().UTC()
	err = p.store.PutLoginState(ctx, session.LoginState{
		AttemptID:    attemptID,
		ProviderID:   p.cfg.ProviderID,
		State:        state,
		Nonce:        nonce,
		PKCEVerifier: verifier,
		RedirectTo:   req.RedirectTo,
		CreatedAt:    now,
		ExpiresAt:    now.Add(session.LoginStateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("persist login state: %w", err)
	}

	authURL := p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		gooidc.Nonce(nonce),
	)
	return authURL, nil
}

// idClaims is the subset of ID-token claims the session needs.
type idClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// HandleCallback verifies the provider's response for one attempt. The
// stored login state is consumed before any verification, so a replayed
// callback finds nothing and fails. Every failure path is fail-closed and
// scoped to this attempt alone.
func (p *Provider) HandleCallback(ctx context.Context, r *http.Request) sso.Result {
	fail := func(err error) sso.Result {
		obs.ObserveLoginAttempt(p.cfg.ProviderID, "failure")
		return sso.Failure(p.cfg.ProviderID, p.cfg.LoginErrorURL, err)
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		return fail(fmt.Errorf("provider returned error %q: %s", errCode, q.Get("error_description")))
	}
	state := q.Get("state")
	code := q.Get("code")
	if code == "" {
		return fail(sso.ErrMissingCode)
	}
	attemptID, _, ok := strings.Cut(state, ".")
	if !ok || attemptID == "" {
		return fail(sso.ErrStateMismatch)
	}

	st, err := p.store.TakeLoginState(ctx, attemptID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fail(sso.ErrExpiredAttempt)
		}
		return fail(fmt.Errorf("load login state: %w", err))
	}
	if st.ProviderID != p.cfg.ProviderID || st.State != state {
		return fail(sso.ErrStateMismatch)
	}
	if st.PKCEVerifier == "" {
		return fail(errors.New("pkce verifier missing from login state"))
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(st.PKCEVerifier))
	if err != nil {
		return fail(fmt.Errorf("token exchange: %w", err))
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return fail(errors.New("token response has no id_token"))
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return fail(fmt.Errorf("id token verification: %w", err))
	}
	if idToken.Nonce != st.Nonce {
		return fail(errors.New("nonce mismatch"))
	}

	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return fail(fmt.Errorf("extract claims: %w", err))
	}
	if strings.TrimSpace(claims.Email) == "" {
		return fail(sso.ErrMissingEmail)
	}

	expiresAt := idToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = p.now().Add(sso.SessionExpiryFallback)
	}

	data, err := json.Marshal(map[string]any{
		"id_token":      rawIDToken,
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"claims":        claims,
	})
	if err != nil {
		return fail(fmt.Errorf("encode session data: %w", err))
	}

	sess, err := p.bridge.Establish(ctx, &session.Session{
		ProviderID: p.cfg.ProviderID,
		ExternalID: idToken.Subject,
		Email:      claims.Email,
		Data:       data,
		IPAddress:  sso.ClientIP(r),
		UserAgent:  r.UserAgent(),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return fail(fmt.Errorf("establish session: %w", err))
	}

	obs.ObserveLoginAttempt(p.cfg.ProviderID, "success")
	redirect := st.RedirectTo
	if redirect == "" {
		redirect = p.cfg.DefaultRedirect
	}
	return sso.Result{
		Success: true,
		Identity: &sso.ExternalIdentity{
			Subject: idToken.Subject,
			Email:   claims.Email,
			Name:    claims.Name,
		},
		Session:     sess,
		RedirectURL: redirect,
	}
}

// Logout deactivates the session and sends the user to the provider's
// end-session endpoint when it advertises one, the local landing page
// otherwise. Deactivation failures are logged, never surfaced: the user
// always gets a redirect.
func (p *Provider) Logout(ctx context.Context, sess *session.Session) string {
	if sess != nil {
		if err := p.bridge.Logout(ctx, sess.ID); err != nil {
			obs.LogEvent("warn", "logout deactivation failed", map[string]any{
				"provider":   p.cfg.ProviderID,
				"session_id": sess.ID,
				"error":      err.Error(),
			})
		}
	}
	if p.endSessionURL == "" || sess == nil {
		return p.cfg.PostLogoutURL
	}

	u, err := url.Parse(p.endSessionURL)
	if err != nil {
		return p.cfg.PostLogoutURL
	}
	params := u.Query()
	if p.cfg.PostLogoutURL != "" {
		params.Set("post_logout_redirect_uri", p.cfg.PostLogoutURL)
	}
	if hint := idTokenHint(sess.Data); hint != "" {
		params.Set("id_token_hint", hint)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// ServiceProviderMetadata renders the relying-party registration descriptor
// for the external provider's admin console.
func (p *Provider) ServiceProviderMetadata() ([]byte, error) {
	return json.MarshalIndent(map[string]any{
		"client_id":                  p.cfg.ClientID,
		"redirect_uris":              []string{p.cfg.RedirectURL},
		"response_types":             []string{"code"},
		"grant_types":                []string{"authorization_code"},
		"token_endpoint_auth_method": "client_secret_basic",
		"code_challenge_methods":     []string{"S256"},
		"scopes":                     p.cfg.Scopes,
	}, "", "  ")
}

func idTokenHint(data []byte) string {
	var blob struct {
		IDToken string `json:"id_token"`
	}
	if err := json.Unmarshal(data, &blob); err != nil {
		return ""
	}
	return blob.IDToken
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
