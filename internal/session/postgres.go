package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Login state take is a single
// `delete ... returning` statement, so concurrent callbacks for the same
// attempt race on the row and exactly one wins.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

func (s *PGStore) PutLoginState(ctx context.Context, state LoginState) error {
	if state.AttemptID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sso_login_states(attempt_id, provider_id, state, nonce, pkce_verifier, redirect_to, created_at, expires_at)
		values($1,$2,$3,$4,$5,$6,$7,$8)`,
		state.AttemptID, state.ProviderID, state.State, state.Nonce,
		state.PKCEVerifier, state.RedirectTo, state.CreatedAt, state.ExpiresAt,
	)
	return err
}

func (s *PGStore) TakeLoginState(ctx context.Context, attemptID string) (LoginState, error) {
	row := s.db.QueryRowContext(ctx, `
		delete from sso_login_states
		where attempt_id=$1
		returning attempt_id, provider_id, state, nonce, pkce_verifier, redirect_to, created_at, expires_at`,
		attemptID)
	var st LoginState
	if err := row.Scan(&st.AttemptID, &st.ProviderID, &st.State, &st.Nonce,
		&st.PKCEVerifier, &st.RedirectTo, &st.CreatedAt, &st.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginState{}, ErrNotFound
		}
		return LoginState{}, err
	}
	if st.Expired(s.now()) {
		return LoginState{}, ErrNotFound
	}
	return st, nil
}

func (s *PGStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidInput
	}
	var userID any
	if sess.UserID != "" {
		userID = sess.UserID
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sso_sessions(id, provider_id, external_id, user_id, email, data, ip_address, user_agent, active, expires_at, created_at, updated_at)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sess.ID, sess.ProviderID, sess.ExternalID, userID, sess.Email, sess.Data,
		sess.IPAddress, sess.UserAgent, sess.Active, sess.ExpiresAt, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

const sessionColumns = `id, provider_id, external_id, coalesce(user_id, ''), email, data, ip_address, user_agent, active, expires_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.ProviderID, &sess.ExternalID, &sess.UserID,
		&sess.Email, &sess.Data, &sess.IPAddress, &sess.UserAgent, &sess.Active,
		&sess.ExpiresAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *PGStore) FindSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sso_sessions where id=$1`, id)
	return scanSession(row)
}

func (s *PGStore) FindByProviderSubject(ctx context.Context, providerID, externalID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+` from sso_sessions
		where provider_id=$1 and external_id=$2
		order by created_at desc
		limit 1`, providerID, externalID)
	return scanSession(row)
}

func (s *PGStore) LinkUser(ctx context.Context, sessionID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update sso_sessions set user_id=$2, updated_at=now() where id=$1`,
		sessionID, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) Deactivate(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`update sso_sessions set active=false, updated_at=now() where id=$1`,
		sessionID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) DeactivateOthers(ctx context.Context, providerID, externalID, keepID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sso_sessions set active=false, updated_at=now()
		where provider_id=$1 and external_id=$2 and id <> $3 and active`,
		providerID, externalID, keepID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
