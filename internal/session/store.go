package session

import "context"

// Store persists login states and sessions. Implementations must allow
// independent access per key: concurrent logins for different users and
// providers never serialize on one another.
type Store interface {
	// PutLoginState records the transient state for a login attempt.
	PutLoginState(ctx context.Context, state LoginState) error
	// TakeLoginState returns and removes the state for an attempt. The
	// removal is atomic with the read; a replayed callback finds nothing.
	// Expired states are reported as ErrNotFound.
	TakeLoginState(ctx context.Context, attemptID string) (LoginState, error)

	CreateSession(ctx context.Context, s *Session) error
	FindSession(ctx context.Context, id string) (*Session, error)
	// FindByProviderSubject returns the newest session for the
	// (provider, external subject) pair, active or not.
	FindByProviderSubject(ctx context.Context, providerID, externalID string) (*Session, error)
	// LinkUser attaches the internal user id to an existing session.
	LinkUser(ctx context.Context, sessionID, userID string) error
	// Deactivate marks the session inactive. The record is kept.
	Deactivate(ctx context.Context, sessionID string) error
	// DeactivateOthers marks every other session for the pair inactive and
	// returns how many it touched.
	DeactivateOthers(ctx context.Context, providerID, externalID, keepID string) (int, error)
}
