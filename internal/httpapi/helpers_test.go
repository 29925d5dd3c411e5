package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"gatekit.org/internal/access"
	"gatekit.org/internal/directory"
	"gatekit.org/internal/session"
	"gatekit.org/internal/sso"
	"gatekit.org/internal/token"
)

type fakeBackend struct {
	users      map[string]*directory.User
	orgs       map[string][]directory.OrgMembership
	workspaces map[string][]directory.WorkspaceMembership
	perms      map[string]map[string]struct{}
	grants     map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users:      make(map[string]*directory.User),
		orgs:       make(map[string][]directory.OrgMembership),
		workspaces: make(map[string][]directory.WorkspaceMembership),
		perms:      make(map[string]map[string]struct{}),
		grants:     make(map[string]bool),
	}
}

func (f *fakeBackend) FindUser(ctx context.Context, userID string) (*directory.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return u, nil
}

func (f *fakeBackend) OrganizationMemberships(ctx context.Context, userID string) ([]directory.OrgMembership, error) {
	return f.orgs[userID], nil
}

func (f *fakeBackend) WorkspaceMemberships(ctx context.Context, userID string) ([]directory.WorkspaceMembership, error) {
	return f.workspaces[userID], nil
}

func (f *fakeBackend) FlattenedPermissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	perms := make(map[string]struct{}, len(f.perms[userID]))
	for k := range f.perms[userID] {
		perms[k] = struct{}{}
	}
	return perms, nil
}

func (f *fakeBackend) HasDirectResourceGrant(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error) {
	return f.grants[userID+"|"+resourceType+"|"+resourceID+"|"+action], nil
}

func (f *fakeBackend) HasRolePermission(ctx context.Context, userID, resourceType, action string) (bool, error) {
	return false, nil
}

func (f *fakeBackend) addMember(userID, email, orgID, workspaceID string, perms ...string) {
	f.users[userID] = &directory.User{ID: userID, Email: email, Status: directory.UserStatusActive}
	f.orgs[userID] = append(f.orgs[userID], directory.OrgMembership{OrganizationID: orgID, Role: directory.RoleMember})
	if workspaceID != "" {
		f.workspaces[userID] = append(f.workspaces[userID], directory.WorkspaceMembership{
			WorkspaceID:    workspaceID,
			OrganizationID: orgID,
			Role:           directory.RoleMember,
		})
	}
	set := f.perms[userID]
	if set == nil {
		set = make(map[string]struct{})
		f.perms[userID] = set
	}
	for _, p := range perms {
		set[p] = struct{}{}
	}
}

type fakeProvider struct {
	id          string
	initiateURL string
	initiateErr error
	result      sso.Result
	logoutURL   string
	metadata    []byte
	loggedOut   *session.Session
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Initiate(ctx context.Context, req sso.InitiateRequest) (string, error) {
	return f.initiateURL, f.initiateErr
}

func (f *fakeProvider) HandleCallback(ctx context.Context, r *http.Request) sso.Result {
	return f.result
}

func (f *fakeProvider) Logout(ctx context.Context, sess *session.Session) string {
	f.loggedOut = sess
	return f.logoutURL
}

func (f *fakeProvider) ServiceProviderMetadata() ([]byte, error) {
	return f.metadata, nil
}

type testEnv struct {
	api      *API
	backend  *fakeBackend
	sessions *session.MemoryStore
	provider *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("GATEKIT_AUTH_SECRET", "test-secret")
	token.ResetSecretCache()
	t.Cleanup(token.ResetSecretCache)

	backend := newFakeBackend()
	sessions := session.NewMemoryStore()
	provider := &fakeProvider{
		id:          "idp",
		initiateURL: "https://idp.example.com/authorize?state=x",
		logoutURL:   "/",
		metadata:    []byte(`{"client_id":"gatekit"}`),
	}

	api := New(Options{
		Version:    "test",
		Builder:    access.NewBuilder(backend, backend),
		Authorizer: access.NewAuthorizer(backend),
		Directory:  backend,
		Sessions:   sessions,
		Providers:  []sso.Provider{provider},
	})
	return &testEnv{api: api, backend: backend, sessions: sessions, provider: provider}
}

// login stores an active linked session and returns its cookie.
func (e *testEnv) login(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	sess := &session.Session{
		ID:         "01BX5ZZKBKACTAV9WEVGEMMVRZ",
		ProviderID: "idp",
		ExternalID: "subject",
		UserID:     userID,
		Active:     true,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := e.sessions.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return &http.Cookie{Name: "gk_session", Value: sess.ID}
}
