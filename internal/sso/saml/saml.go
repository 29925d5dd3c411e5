// Package saml implements SP-initiated SAML2 login with the HTTP-Redirect
// binding for the request and the HTTP-POST binding for the response.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	crewsaml "github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	"gatekit.org/internal/ids"
	"gatekit.org/internal/obs"
	"gatekit.org/internal/session"
	"gatekit.org/internal/sso"
)

// Config is the static configuration for one SAML identity provider.
type Config struct {
	ProviderID string
	// EntityID is our service-provider entity id.
	EntityID string
	// ACSURL receives the POSTed SAML response.
	ACSURL string
	// MetadataURL serves our SP descriptor.
	MetadataURL string
	// SLOURL is our single-logout endpoint, advertised in metadata.
	SLOURL string
	// IDPMetadata is the provider's published EntityDescriptor XML.
	IDPMetadata []byte
	// SigningCertPEM/SigningKeyPEM are optional; when present, authn
	// requests are signed.
	SigningCertPEM []byte
	SigningKeyPEM  []byte

	LoginErrorURL   string
	PostLogoutURL   string
	DefaultRedirect string
}

// Provider is a configured SAML identity provider.
type Provider struct {
	cfg Config
	sp  crewsaml.ServiceProvider

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

// New parses the IdP metadata and constructs the provider. Bad trust
// material is a ConfigError: the provider is unusable until reconfigured.
func New(cfg Config, store session.Store, bridge *session.Bridge, opts ...Option) (*Provider, error) {
	if cfg.ProviderID == "" || cfg.EntityID == "" || cfg.ACSURL == "" {
		return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: errors.New("provider id, entity id and acs url are required")}
	}
	idpMetadata, err := ParseIdentityProviderMetadata(cfg.IDPMetadata)
	if err != nil {
		return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: fmt.Errorf("idp metadata: %w", err)}
	}
	acsURL, err := url.Parse(cfg.ACSURL)
	if err != nil {
		return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: fmt.Errorf("acs url: %w", err)}
	}
	metadataURL, err := url.Parse(cfg.MetadataURL)
	if err != nil {
		return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: fmt.Errorf("metadata url: %w", err)}
	}
	sloURL, err := url.Parse(cfg.SLOURL)
	if err != nil {
		return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: fmt.Errorf("slo url: %w", err)}
	}

	sp := crewsaml.ServiceProvider{
		EntityID:          cfg.EntityID,
		AcsURL:            *acsURL,
		MetadataURL:       *metadataURL,
		SloURL:            *sloURL,
		IDPMetadata:       idpMetadata,
		AuthnNameIDFormat: crewsaml.EmailAddressNameIDFormat,
	}
	if len(cfg.SigningCertPEM) > 0 && len(cfg.SigningKeyPEM) > 0 {
		keyPair, err := tls.X509KeyPair(cfg.SigningCertPEM, cfg.SigningKeyPEM)
		if err != nil {
			return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: fmt.Errorf("signing key pair: %w", err)}
		}
		cert, err := x509.ParseCertificate(keyPair.Certificate[0])
		if err != nil {
			return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: fmt.Errorf("signing certificate: %w", err)}
		}
		rsaKey, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, &sso.ConfigError{Provider: cfg.ProviderID, Err: errors.New("signing key must be RSA")}
		}
		sp.Key = rsaKey
		sp.Certificate = cert
		sp.SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	}

	p := &Provider{
		cfg:    cfg,
		sp:     sp,
		store:  store,
		bridge: bridge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ParseIdentityProviderMetadata ingests a provider's published descriptor.
// Exposed for configuration tooling as well as construction.
func ParseIdentityProviderMetadata(raw []byte) (*crewsaml.EntityDescriptor, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty metadata")
	}
	return samlsp.ParseMetadata(raw)
}

func (p *Provider) ID() string { return p.cfg.ProviderID }

// Initiate builds a redirect-binding authentication request. The relay state
// is the attempt id; the stored login state keeps the authn request id (for
// response correlation) and the caller's post-login target.
func (p *Provider) Initiate(ctx context.Context, req sso.InitiateRequest) (string, error) {
	ssoURL := p.sp.GetSSOBindingLocation(crewsaml.HTTPRedirectBinding)
	if ssoURL == "" {
		return "", &sso.ConfigError{Provider: p.cfg.ProviderID, Err: errors.New("idp has no redirect-binding sso endpoint")}
	}
	authnReq, err := p.sp.MakeAuthenticationRequest(ssoURL, crewsaml.HTTPRedirectBinding, crewsaml.HTTPPostBinding)
	if err != nil {
		return "", fmt.Errorf("make authentication request: %w", err)
	}

	attemptID := ids.New()
	now := p.now().UTC()
	err = p.store.PutLoginState(ctx, session.LoginState{
		AttemptID:  attemptID,
		ProviderID: p.cfg.ProviderID,
		State:      authnReq.ID,
		RedirectTo: req.RedirectTo,
		CreatedAt:  now,
		ExpiresAt:  now.Add(session.LoginStateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("persist login state: %w", err)
	}

	redirect, err := authnReq.Redirect(attemptID, &p.sp)
	if err != nil {
		return "", fmt.Errorf("build redirect: %w", err)
	}
	return redirect.String(), nil
}

// fail records one failed attempt and wraps the internal cause.
func (p *Provider) fail(err error) sso.Result {
	obs.ObserveLoginAttempt(p.cfg.ProviderID, "failure")
	return sso.Failure(p.cfg.ProviderID, p.cfg.LoginErrorURL, err)
}

// HandleCallback validates a POSTed SAML response against the IdP trust
// material and establishes a session. Signature details of a rejected
// response go to the log only; the user sees a generic failure.
func (p *Provider) HandleCallback(ctx context.Context, r *http.Request) sso.Result {
	fail := p.fail

	if err := r.ParseForm(); err != nil {
		return fail(fmt.Errorf("parse form: %w", err))
	}
	if r.PostFormValue("SAMLResponse") == "" {
		return fail(sso.ErrMissingPayload)
	}

	var possibleRequestIDs []string
	redirectTo := p.cfg.DefaultRedirect
	if relayState := r.PostFormValue("RelayState"); relayState != "" {
		st, err := p.store.TakeLoginState(ctx, relayState)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return fail(sso.ErrExpiredAttempt)
			}
			return fail(fmt.Errorf("load login state: %w", err))
		}
		if st.ProviderID != p.cfg.ProviderID {
			return fail(sso.ErrStateMismatch)
		}
		possibleRequestIDs = []string{st.State}
		if st.RedirectTo != "" {
			redirectTo = st.RedirectTo
		}
	} else if p.sp.AllowIDPInitiated {
		possibleRequestIDs = []string{""}
	} else {
		return fail(sso.ErrExpiredAttempt)
	}

	assertion, err := p.sp.ParseResponse(r, possibleRequestIDs)
	if err != nil {
		var ire *crewsaml.InvalidResponseError
		if errors.As(err, &ire) {
			return fail(fmt.Errorf("response rejected: %w", ire.PrivateErr))
		}
		return fail(fmt.Errorf("response rejected: %w", err))
	}

	return p.completeLogin(ctx, r, assertion, redirectTo)
}

// completeLogin turns a verified assertion into a session. No session is
// created when the assertion carries no usable email address.
func (p *Provider) completeLogin(ctx context.Context, r *http.Request, assertion *crewsaml.Assertion, redirectTo string) sso.Result {
	attrs := collectAttributes(assertion)
	nameID := ""
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		nameID = assertion.Subject.NameID.Value
	}
	email := resolveEmail(attrs, nameID)
	if email == "" {
		return p.fail(sso.ErrMissingEmail)
	}
	subject := nameID
	if subject == "" {
		subject = email
	}

	data, err := json.Marshal(map[string]any{
		"name_id":    nameID,
		"attributes": attrs,
	})
	if err != nil {
		return p.fail(fmt.Errorf("encode session data: %w", err))
	}

	sess, err := p.bridge.Establish(ctx, &session.Session{
		ProviderID: p.cfg.ProviderID,
		ExternalID: subject,
		Email:      email,
		Data:       data,
		IPAddress:  sso.ClientIP(r),
		UserAgent:  r.UserAgent(),
		// SAML responses carry no session lifetime in this design.
		ExpiresAt: p.now().Add(sso.SessionExpiryFallback),
	})
	if err != nil {
		return p.fail(fmt.Errorf("establish session: %w", err))
	}

	obs.ObserveLoginAttempt(p.cfg.ProviderID, "success")
	return sso.Result{
		Success: true,
		Identity: &sso.ExternalIdentity{
			Subject:    subject,
			Email:      email,
			Name:       firstAttr(attrs, "displayName", "cn", "name"),
			Attributes: attrs,
		},
		Session:     sess,
		RedirectURL: redirectTo,
	}
}

// Logout deactivates the session and attempts provider-side single logout
// when the IdP advertises an SLO endpoint. Any failure falls back to the
// local landing page; the user is always redirected somewhere.
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
	if sess == nil || p.sp.GetSLOBindingLocation(crewsaml.HTTPRedirectBinding) == "" {
		return p.cfg.PostLogoutURL
	}
	redirect, err := p.sp.MakeRedirectLogoutRequest(sess.ExternalID, "")
	if err != nil {
		obs.LogEvent("warn", "single logout request failed", map[string]any{
			"provider": p.cfg.ProviderID,
			"error":    err.Error(),
		})
		return p.cfg.PostLogoutURL
	}
	return redirect.String()
}

// ServiceProviderMetadata renders our SP EntityDescriptor for registration
// with the identity provider.
func (p *Provider) ServiceProviderMetadata() ([]byte, error) {
	descriptor := p.sp.Metadata()
	raw, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), raw...), nil
}

// collectAttributes flattens assertion attribute statements into a map from
// attribute name (FriendlyName preferred) to values.
func collectAttributes(assertion *crewsaml.Assertion) map[string][]string {
	attrs := make(map[string][]string)
	if assertion == nil {
		return attrs
	}
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			name := attr.FriendlyName
			if name == "" {
				name = attr.Name
			}
			if name == "" {
				continue
			}
			for _, v := range attr.Values {
				if v.Value != "" {
					attrs[name] = append(attrs[name], v.Value)
				}
			}
		}
	}
	return attrs
}

// emailAttributeNames are the attribute keys commonly carrying the email,
// across ADFS, Okta, Keycloak and plain LDAP-mapped IdPs.
var emailAttributeNames = []string{
	"email",
	"emailaddress",
	"mail",
	"urn:oid:0.9.2342.19200300.100.1.3",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
}

// resolveEmail prefers a well-known email attribute and falls back to an
// email-shaped NameID. Empty means the assertion carries no usable email and
// the attempt must fail.
func resolveEmail(attrs map[string][]string, nameID string) string {
	if email := firstEmail(attrs); email != "" {
		return email
	}
	if sso.EmailLike(nameID) {
		return nameID
	}
	return ""
}

func firstEmail(attrs map[string][]string) string {
	for _, key := range emailAttributeNames {
		for name, values := range attrs {
			if !strings.EqualFold(name, key) {
				continue
			}
			for _, v := range values {
				if sso.EmailLike(v) {
					return strings.TrimSpace(v)
				}
			}
		}
	}
	return ""
}

func firstAttr(attrs map[string][]string, names ...string) string {
	for _, key := range names {
		for name, values := range attrs {
			if strings.EqualFold(name, key) && len(values) > 0 {
				return values[0]
			}
		}
	}
	return ""
}
