package access

import (
	"context"
	"strings"
	"time"

	"gatekit.org/internal/directory"
	"gatekit.org/internal/obs"
)

// Builder assembles access contexts from the principal directory and the
// permission catalog. It holds no per-request state and is safe for
// concurrent use.
type Builder struct {
	dir directory.Directory
	cat directory.Catalog

	// adminRoles are the membership roles that promote a user to system
	// admin when held in any organization.
	adminRoles map[string]struct{}
	now        func() time.Time
}

// BuilderOption configures Builder behavior.
type BuilderOption func(*Builder)

// WithAdminRoles overrides the membership roles that imply system admin.
func WithAdminRoles(roles ...string) BuilderOption {
	return func(b *Builder) {
		set := make(map[string]struct{}, len(roles))
		for _, r := range roles {
			r = strings.TrimSpace(r)
			if r != "" {
				set[r] = struct{}{}
			}
		}
		if len(set) > 0 {
			b.adminRoles = set
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewBuilder constructs a Builder.
func NewBuilder(dir directory.Directory, cat directory.Catalog, opts ...BuilderOption) *Builder {
	b := &Builder{
		dir: dir,
		cat: cat,
		adminRoles: map[string]struct{}{
			directory.RoleAdmin: {},
			directory.RoleOwner: {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the access context for one request. A missing principal
// yields the anonymous context. Backend lookup failures degrade to the
// anonymous context as well: authorization then denies by default instead of
// the request failing with an internal error.
//
// orgSelector and wsSelector are the request's proposed current organization
// and workspace. Each is validated against the resolved memberships, and a
// workspace whose parent organization does not match the selected
// organization is cleared.
func (b *Builder) Build(ctx context.Context, userID, orgSelector, wsSelector string) *Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		obs.ObserveContextBuild("anonymous")
		return Anonymous()
	}

	user, err := b.dir.FindUser(ctx, userID)
	if err != nil {
		return b.degrade(userID, "find user", err)
	}
	if user.Status != directory.UserStatusActive {
		obs.ObserveContextBuild("inactive_user")
		return Anonymous()
	}

	orgMemberships, err := b.dir.OrganizationMemberships(ctx, userID)
	if err != nil {
		return b.degrade(userID, "organization memberships", err)
	}
	wsMemberships, err := b.dir.WorkspaceMemberships(ctx, userID)
	if err != nil {
		return b.degrade(userID, "workspace memberships", err)
	}
	perms, err := b.cat.FlattenedPermissions(ctx, userID)
	if err != nil {
		return b.degrade(userID, "flattened permissions", err)
	}
	if perms == nil {
		perms = map[string]struct{}{}
	}

	acc := &Context{
		UserID:         user.ID,
		Email:          user.Email,
		SystemAdmin:    user.SystemAdmin,
		OrgRoles:       make(map[string]string, len(orgMemberships)),
		WorkspaceRoles: make(map[string]string, len(wsMemberships)),
		WorkspaceOrgs:  make(map[string]string, len(wsMemberships)),
		Permissions:    perms,
	}
	for _, m := range orgMemberships {
		acc.OrgRoles[m.OrganizationID] = m.Role
		if _, ok := b.adminRoles[m.Role]; ok {
			acc.SystemAdmin = true
		}
	}
	for _, m := range wsMemberships {
		acc.WorkspaceRoles[m.WorkspaceID] = m.Role
		acc.WorkspaceOrgs[m.WorkspaceID] = m.OrganizationID
	}

	if orgSelector != "" {
		*acc = acc.WithOrganization(orgSelector)
	}
	if wsSelector != "" {
		*acc = acc.WithWorkspace(wsSelector)
	}

	obs.ObserveContextBuild("ok")
	return acc
}

// degrade logs the failed lookup and emits the empty context. The log line
// carries the backend error so operators can tell a degraded build apart
// from an ordinary anonymous request; callers cannot.
func (b *Builder) degrade(userID, op string, err error) *Context {
	obs.ObserveContextBuild("degraded")
	obs.LogEvent("error", "access context degraded", map[string]any{
		"user_id": userID,
		"op":      op,
		"error":   err.Error(),
	})
	return Anonymous()
}
