package access

import (
	"context"
	"errors"
	"testing"
)

func memberContext() *Context {
	acc := Anonymous()
	acc.UserID = "u1"
	acc.Email = "u1@example.com"
	acc.OrgRoles["o1"] = "member"
	acc.WorkspaceRoles["ws1"] = "member"
	acc.WorkspaceOrgs["ws1"] = "o1"
	acc.Permissions["chatflow:read"] = struct{}{}
	return acc
}

func TestAuthorizeSystemAdminAllowsEverything(t *testing.T) {
	a := NewAuthorizer(newFakeBackend())
	acc := Anonymous()
	acc.UserID = "root"
	acc.SystemAdmin = true

	scopes := []Scope{
		SystemScope(),
		OrganizationScope("any-org"),
		WorkspaceScope("any-ws"),
		ResourceScope("any-resource"),
	}
	for _, scope := range scopes {
		ok, err := a.Authorize(context.Background(), acc, "chatflow", "delete", scope)
		if err != nil {
			t.Fatalf("scope %s: %v", scope.Kind, err)
		}
		if !ok {
			t.Fatalf("system admin denied at scope %s", scope.Kind)
		}
	}
}

func TestAuthorizeAnonymous(t *testing.T) {
	a := NewAuthorizer(newFakeBackend())

	ok, err := a.Authorize(context.Background(), Anonymous(), "chatflow", "read", SystemScope())
	if err != nil || ok {
		t.Fatalf("anonymous check must deny, got ok=%v err=%v", ok, err)
	}

	ok, err = a.Authorize(context.Background(), nil, "chatflow", "read", SystemScope())
	if err != nil || ok {
		t.Fatalf("nil context must deny, got ok=%v err=%v", ok, err)
	}

	ok, err = a.Authorize(context.Background(), Anonymous(), "chatflow", "read", SystemScope(), AllowPublic())
	if err != nil || !ok {
		t.Fatalf("public check must allow anonymous, got ok=%v err=%v", ok, err)
	}
}

func TestAuthorizeOrganizationScope(t *testing.T) {
	a := NewAuthorizer(newFakeBackend())
	acc := memberContext()

	ok, err := a.Authorize(context.Background(), acc, "chatflow", "read", OrganizationScope("o1"))
	if err != nil || !ok {
		t.Fatalf("member with chatflow:read must be allowed, got ok=%v err=%v", ok, err)
	}

	ok, err = a.Authorize(context.Background(), acc, "chatflow", "delete", OrganizationScope("o1"))
	if err != nil || ok {
		t.Fatalf("member without chatflow:delete must be denied, got ok=%v err=%v", ok, err)
	}

	// Permission present but no membership in the target organization.
	ok, err = a.Authorize(context.Background(), acc, "chatflow", "read", OrganizationScope("other-org"))
	if err != nil || ok {
		t.Fatalf("non-member must be denied for any org, got ok=%v err=%v", ok, err)
	}
}

func TestAuthorizeNoMembershipDeniesAllOrgs(t *testing.T) {
	a := NewAuthorizer(newFakeBackend())
	acc := Anonymous()
	acc.UserID = "u2"
	acc.Permissions["chatflow:read"] = struct{}{}

	for _, orgID := range []string{"o1", "o2", "anything"} {
		ok, err := a.Authorize(context.Background(), acc, "chatflow", "read", OrganizationScope(orgID))
		if err != nil || ok {
			t.Fatalf("org %s: expected deny, got ok=%v err=%v", orgID, ok, err)
		}
	}
}

func TestAuthorizeWorkspaceScope(t *testing.T) {
	a := NewAuthorizer(newFakeBackend())
	acc := memberContext()

	ok, err := a.Authorize(context.Background(), acc, "chatflow", "read", WorkspaceScope("ws1"))
	if err != nil || !ok {
		t.Fatalf("workspace member must be allowed, got ok=%v err=%v", ok, err)
	}
	ok, err = a.Authorize(context.Background(), acc, "chatflow", "read", WorkspaceScope("ws2"))
	if err != nil || ok {
		t.Fatalf("non-member workspace must deny, got ok=%v err=%v", ok, err)
	}
}

func TestAuthorizeResourceScopeShortCircuit(t *testing.T) {
	be := newFakeBackend()
	a := NewAuthorizer(be)
	acc := memberContext()

	// Fast path: flattened set already contains the key, the catalog is not hit.
	ok, err := a.Authorize(context.Background(), acc, "chatflow", "read", ResourceScope("cf-1"))
	if err != nil || !ok {
		t.Fatalf("fast path must allow, got ok=%v err=%v", ok, err)
	}
	if be.grantCalls != 0 {
		t.Fatalf("fast path must not query the catalog, got %d calls", be.grantCalls)
	}

	// Direct grant path.
	be.grants["u1|chatflow|cf-2|delete"] = struct{}{}
	ok, err = a.Authorize(context.Background(), acc, "chatflow", "delete", ResourceScope("cf-2"))
	if err != nil || !ok {
		t.Fatalf("direct grant must allow, got ok=%v err=%v", ok, err)
	}

	// Role fallback path.
	be.rolePerms["u1|tool|execute"] = struct{}{}
	ok, err = a.Authorize(context.Background(), acc, "tool", "execute", ResourceScope("t-1"))
	if err != nil || !ok {
		t.Fatalf("role fallback must allow, got ok=%v err=%v", ok, err)
	}

	// Nothing matches.
	ok, err = a.Authorize(context.Background(), acc, "tool", "delete", ResourceScope("t-1"))
	if err != nil || ok {
		t.Fatalf("expected deny, got ok=%v err=%v", ok, err)
	}
}

func TestAuthorizeResourceGrantIsAdditive(t *testing.T) {
	be := newFakeBackend()
	a := NewAuthorizer(be)
	acc := memberContext()

	before, err := a.Authorize(context.Background(), acc, "chatflow", "read", ResourceScope("cf-1"))
	if err != nil || !before {
		t.Fatalf("role-based allow expected, got ok=%v err=%v", before, err)
	}

	// A direct grant for an unrelated resource must not reduce what roles allow.
	be.grants["u1|chatflow|cf-other|read"] = struct{}{}
	after, err := a.Authorize(context.Background(), acc, "chatflow", "read", ResourceScope("cf-1"))
	if err != nil || !after {
		t.Fatalf("grant addition reduced the allow set, got ok=%v err=%v", after, err)
	}
}

func TestAuthorizeWildcardIsLiteral(t *testing.T) {
	be := newFakeBackend()
	a := NewAuthorizer(be)
	acc := memberContext()

	be.grants["u1|tool|*|execute"] = struct{}{}

	// "*" matches only itself, not any resource.
	ok, err := a.Authorize(context.Background(), acc, "tool", "execute", ResourceScope("t-1"))
	if err != nil || ok {
		t.Fatalf("wildcard grant must not match concrete ids, got ok=%v err=%v", ok, err)
	}
	ok, err = a.Authorize(context.Background(), acc, "tool", "execute", ResourceScope("*"))
	if err != nil || !ok {
		t.Fatalf("literal '*' id must match its own grant, got ok=%v err=%v", ok, err)
	}
}

func TestAuthorizeResourceLookupFailsClosed(t *testing.T) {
	be := newFakeBackend()
	be.failLookups = true
	a := NewAuthorizer(be)
	acc := memberContext()

	ok, err := a.Authorize(context.Background(), acc, "tool", "execute", ResourceScope("t-1"))
	if err != nil {
		t.Fatalf("lookup failure must not surface an error: %v", err)
	}
	if ok {
		t.Fatalf("lookup failure must deny")
	}
}

func TestAuthorizeMalformedInput(t *testing.T) {
	a := NewAuthorizer(newFakeBackend())
	acc := memberContext()

	if _, err := a.Authorize(context.Background(), acc, "chatflow", "read", OrganizationScope("")); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
	if _, err := a.Authorize(context.Background(), acc, "chatflow", "read", WorkspaceScope("")); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
	if _, err := a.Authorize(context.Background(), acc, "chatflow", "read", ResourceScope("")); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
	if _, err := a.Authorize(context.Background(), acc, "", "read", SystemScope()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAuthorizeResourceScopeFunc(t *testing.T) {
	be := newFakeBackend()
	a := NewAuthorizer(be)
	acc := memberContext()

	calls := 0
	scope := ResourceScopeFunc(func() string {
		calls++
		return "cf-1"
	})
	ok, err := a.Authorize(context.Background(), acc, "chatflow", "read", scope)
	if err != nil || !ok {
		t.Fatalf("extractor scope must allow, got ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("extractor ran %d times, want 1", calls)
	}
}
