package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatekit.org/internal/session"
	"gatekit.org/internal/sso"
)

// fakeIssuer is a minimal OIDC provider: discovery document, JWKS, and a
// token endpoint that signs ID tokens with a test RSA key.
type fakeIssuer struct {
	srv  *httptest.Server
	key  *rsa.PrivateKey
	mint func() map[string]any
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fakeIssuer{key: key, mint: func() map[string]any { return nil }}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 f.srv.URL,
			"authorization_endpoint": f.srv.URL + "/authorize",
			"token_endpoint":         f.srv.URL + "/token",
			"jwks_uri":               f.srv.URL + "/keys",
			"end_session_endpoint":   f.srv.URL + "/logout",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": "test",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   "AQAB",
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostFormValue("code_verifier") == "" {
			http.Error(w, "missing pkce verifier", http.StatusBadRequest)
			return
		}
		claims := jwt.MapClaims{}
		for k, v := range f.mint() {
			claims[k] = v
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "test"
		signed, err := tok.SignedString(f.key)
		if err != nil {
			http.Error(w, "sign failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestProvider(t *testing.T, issuer *fakeIssuer, store session.Store) *Provider {
	t.Helper()
	bridge := session.NewBridge(store, func(ctx context.Context, email string) (string, error) {
		if email == "u1@example.com" {
			return "u1", nil
		}
		return "", session.ErrNoMatch
	})
	p, err := New(context.Background(), Config{
		ProviderID:      "test-oidc",
		Issuer:          issuer.srv.URL,
		ClientID:        "client-1",
		ClientSecret:    "secret",
		RedirectURL:     "http://localhost/v1/sso/test-oidc/callback",
		LoginErrorURL:   "/login?error=sso",
		PostLogoutURL:   "/",
		DefaultRedirect: "/home",
	}, store, bridge)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestInitiateProducesAuthorizationURL(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	redirect, err := p.Initiate(context.Background(), sso.InitiateRequest{RedirectTo: "/after"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("state") == "" || q.Get("nonce") == "" {
		t.Fatalf("missing state or nonce in %s", redirect)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("missing PKCE challenge in %s", redirect)
	}
	if q.Get("client_id") != "client-1" {
		t.Fatalf("unexpected client_id %q", q.Get("client_id"))
	}
}

func TestCallbackSuccess(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	redirect, err := p.Initiate(context.Background(), sso.InitiateRequest{RedirectTo: "/after"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")
	nonce := u.Query().Get("nonce")

	now := time.Now()
	issuer.mint = func() map[string]any {
		return map[string]any{
			"iss":   issuer.srv.URL,
			"aud":   "client-1",
			"sub":   "external-sub-1",
			"exp":   now.Add(time.Hour).Unix(),
			"iat":   now.Unix(),
			"nonce": nonce,
			"email": "u1@example.com",
			"name":  "User One",
		}
	}

	cb := httptest.NewRequest(http.MethodGet,
		"http://localhost/v1/sso/test-oidc/callback?code=abc&state="+url.QueryEscape(state), nil)
	res := p.HandleCallback(context.Background(), cb)
	if !res.Success {
		t.Fatalf("callback failed: %v", res.Err)
	}
	if res.Identity == nil || res.Identity.Email != "u1@example.com" {
		t.Fatalf("unexpected identity: %+v", res.Identity)
	}
	if res.Session == nil || res.Session.UserID != "u1" {
		t.Fatalf("expected linked session, got %+v", res.Session)
	}
	if res.RedirectURL != "/after" {
		t.Fatalf("expected stored redirect, got %q", res.RedirectURL)
	}
	if res.Session.ExpiresAt.Before(now.Add(30 * time.Minute)) {
		t.Fatalf("expiry should come from the token, got %v", res.Session.ExpiresAt)
	}

	// The login state was consumed: replaying the callback fails.
	replay := p.HandleCallback(context.Background(), cb)
	if replay.Success {
		t.Fatalf("replayed callback must fail")
	}
	if !errors.Is(replay.Err, sso.ErrExpiredAttempt) {
		t.Fatalf("expected ErrExpiredAttempt, got %v", replay.Err)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	redirect, err := p.Initiate(context.Background(), sso.InitiateRequest{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")

	cb := httptest.NewRequest(http.MethodGet,
		"http://localhost/v1/sso/test-oidc/callback?code=abc&state="+url.QueryEscape(state+"tampered"), nil)
	res := p.HandleCallback(context.Background(), cb)
	if res.Success {
		t.Fatalf("tampered state must fail")
	}
	if !errors.Is(res.Err, sso.ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", res.Err)
	}
	if res.Session != nil {
		t.Fatalf("failed callback must not produce a session")
	}
	if res.RedirectURL != "/login?error=sso" {
		t.Fatalf("failure must redirect to the error page, got %q", res.RedirectURL)
	}
}

func TestCallbackMissingEmail(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	redirect, err := p.Initiate(context.Background(), sso.InitiateRequest{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")
	nonce := u.Query().Get("nonce")

	now := time.Now()
	issuer.mint = func() map[string]any {
		return map[string]any{
			"iss":   issuer.srv.URL,
			"aud":   "client-1",
			"sub":   "external-sub-2",
			"exp":   now.Add(time.Hour).Unix(),
			"iat":   now.Unix(),
			"nonce": nonce,
		}
	}

	cb := httptest.NewRequest(http.MethodGet,
		"http://localhost/v1/sso/test-oidc/callback?code=abc&state="+url.QueryEscape(state), nil)
	res := p.HandleCallback(context.Background(), cb)
	if res.Success {
		t.Fatalf("missing email must fail")
	}
	if !errors.Is(res.Err, sso.ErrMissingEmail) {
		t.Fatalf("expected ErrMissingEmail, got %v", res.Err)
	}
}

func TestCallbackNonceMismatch(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	redirect, err := p.Initiate(context.Background(), sso.InitiateRequest{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")

	now := time.Now()
	issuer.mint = func() map[string]any {
		return map[string]any{
			"iss":   issuer.srv.URL,
			"aud":   "client-1",
			"sub":   "external-sub-3",
			"exp":   now.Add(time.Hour).Unix(),
			"iat":   now.Unix(),
			"nonce": "wrong-nonce",
			"email": "u1@example.com",
		}
	}

	cb := httptest.NewRequest(http.MethodGet,
		"http://localhost/v1/sso/test-oidc/callback?code=abc&state="+url.QueryEscape(state), nil)
	res := p.HandleCallback(context.Background(), cb)
	if res.Success {
		t.Fatalf("nonce mismatch must fail")
	}
}

func TestDiscoveryFailureIsConfigError(t *testing.T) {
	store := session.NewMemoryStore()
	bridge := session.NewBridge(store, nil)
	_, err := New(context.Background(), Config{
		ProviderID:  "broken",
		Issuer:      "http://127.0.0.1:1/nowhere",
		ClientID:    "c",
		RedirectURL: "http://localhost/cb",
	}, store, bridge)
	if err == nil {
		t.Fatalf("expected discovery failure")
	}
	var cerr *sso.ConfigError
	if !errors.As(err, &cerr) || cerr.Provider != "broken" {
		t.Fatalf("expected ConfigError for broken, got %v", err)
	}
}

func TestLogoutUsesEndSessionEndpoint(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	sess := &session.Session{
		ID: "s1", ProviderID: "test-oidc", ExternalID: "sub", Active: true,
		Data: []byte(`{"id_token":"raw-token"}`),
	}
	if err := store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	redirect := p.Logout(context.Background(), sess)
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse logout url: %v", err)
	}
	if u.Path != "/logout" {
		t.Fatalf("expected provider logout endpoint, got %s", redirect)
	}
	if u.Query().Get("id_token_hint") != "raw-token" {
		t.Fatalf("missing id_token_hint in %s", redirect)
	}

	got, err := store.FindSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if got.Active {
		t.Fatalf("logout must deactivate the session")
	}
}

func TestLogoutNilSessionRedirectsLocally(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	if redirect := p.Logout(context.Background(), nil); redirect != "/" {
		t.Fatalf("expected local redirect, got %q", redirect)
	}
}

func TestServiceProviderMetadata(t *testing.T) {
	issuer := newFakeIssuer(t)
	store := session.NewMemoryStore()
	p := newTestProvider(t, issuer, store)

	raw, err := p.ServiceProviderMetadata()
	if err != nil {
		t.Fatalf("ServiceProviderMetadata: %v", err)
	}
	var doc struct {
		ClientID     string   `json:"client_id"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if doc.ClientID != "client-1" || len(doc.RedirectURIs) != 1 {
		t.Fatalf("unexpected metadata: %+v", doc)
	}
}
