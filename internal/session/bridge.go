package session

import (
	"context"
	"errors"
	"time"

	"gatekit.org/internal/ids"
	"gatekit.org/internal/obs"
)

// UserMatcher resolves an internal user id for a verified email. Account
// provisioning and matching policy live outside this core; the bridge only
// calls through. ErrNoMatch leaves the session unlinked without failing it.
type UserMatcher func(ctx context.Context, email string) (string, error)

// ErrNoMatch is returned by a UserMatcher when no account corresponds to the
// email and none should be provisioned.
var ErrNoMatch = errors.New("session: no matching user")

// Bridge turns verified external identities into linked sessions. First login
// for a (provider, subject) pair matches a user by email; later logins reuse
// the recorded link. A new session supersedes any still-active ones for the
// same pair.
type Bridge struct {
	store Store
	match UserMatcher
	now   func() time.Time
}

// BridgeOption configures Bridge behavior.
type BridgeOption func(*Bridge)

// WithBridgeClock overrides the time source (useful for tests).
func WithBridgeClock(fn func() time.Time) BridgeOption {
	return func(b *Bridge) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewBridge constructs a Bridge. match may be nil, in which case sessions
// without a prior link stay unlinked until account matching runs elsewhere.
func NewBridge(store Store, match UserMatcher, opts ...BridgeOption) *Bridge {
	b := &Bridge{store: store, match: match, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Establish persists a freshly verified session, links it to a user, and
// deactivates superseded sessions for the same (provider, subject) pair.
// Linking failures are not fatal: the session is still created, unlinked.
func (b *Bridge) Establish(ctx context.Context, sess *Session) (*Session, error) {
	if sess == nil || sess.ProviderID == "" || sess.ExternalID == "" {
		return nil, ErrInvalidInput
	}
	now := b.now().UTC()
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	sess.Active = true
	sess.CreatedAt = now
	sess.UpdatedAt = now

	if sess.UserID == "" {
		sess.UserID = b.resolveUser(ctx, sess)
	}

	if err := b.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	superseded, err := b.store.DeactivateOthers(ctx, sess.ProviderID, sess.ExternalID, sess.ID)
	if err != nil {
		// The new session is already established; supersession is cleanup.
		obs.LogEvent("warn", "session supersession failed", map[string]any{
			"session_id": sess.ID,
			"provider":   sess.ProviderID,
			"error":      err.Error(),
		})
	} else if superseded > 0 {
		obs.LogEvent("info", "superseded stale sessions", map[string]any{
			"session_id": sess.ID,
			"provider":   sess.ProviderID,
			"count":      superseded,
		})
	}
	return sess, nil
}

// resolveUser reuses the link from the most recent session for the pair, and
// falls back to email matching on first login.
func (b *Bridge) resolveUser(ctx context.Context, sess *Session) string {
	prev, err := b.store.FindByProviderSubject(ctx, sess.ProviderID, sess.ExternalID)
	if err == nil && prev.UserID != "" {
		return prev.UserID
	}
	if b.match == nil || sess.Email == "" {
		return ""
	}
	userID, err := b.match(ctx, sess.Email)
	if err != nil {
		if !errors.Is(err, ErrNoMatch) {
			obs.LogEvent("warn", "user match failed", map[string]any{
				"provider": sess.ProviderID,
				"error":    err.Error(),
			})
		}
		return ""
	}
	return userID
}

// Logout deactivates the session. The record remains for the audit trail.
func (b *Bridge) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidInput
	}
	return b.store.Deactivate(ctx, sessionID)
}
