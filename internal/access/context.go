// Package access builds per-request access contexts and resolves
// authorization checks against them. A Context is assembled once per request,
// owned by that request's pipeline, and never shared or mutated concurrently;
// selection changes produce new values instead of writing in place.
package access

import "context"

// Context is the fully resolved view of one principal for one request.
type Context struct {
	UserID      string
	Email       string
	SystemAdmin bool

	// OrgRoles maps organizationID -> role. One role per organization.
	OrgRoles map[string]string
	// WorkspaceRoles maps workspaceID -> role.
	WorkspaceRoles map[string]string
	// WorkspaceOrgs maps workspaceID -> owning organizationID.
	WorkspaceOrgs map[string]string

	// Permissions holds flattened `resourceType:action` strings.
	Permissions map[string]struct{}

	CurrentOrgID       string
	CurrentWorkspaceID string

	// SSOSessionID links the context to the federated session that produced
	// the credential, when the principal logged in through SSO.
	SSOSessionID string
}

// Anonymous returns the empty context used for unauthenticated requests and
// for degraded builds after a lookup failure. It carries no identity and no
// permissions, so every non-public check denies.
func Anonymous() *Context {
	return &Context{
		OrgRoles:       map[string]string{},
		WorkspaceRoles: map[string]string{},
		WorkspaceOrgs:  map[string]string{},
		Permissions:    map[string]struct{}{},
	}
}

// Authenticated reports whether the context carries a principal.
func (c *Context) Authenticated() bool {
	return c != nil && c.UserID != ""
}

// HasPermission reports whether the flattened permission set contains the
// exact key. Comparison is case-sensitive; no wildcard expansion.
func (c *Context) HasPermission(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Permissions[key]
	return ok
}

// OrgRole returns the principal's role in the organization, if any.
func (c *Context) OrgRole(orgID string) (string, bool) {
	if c == nil {
		return "", false
	}
	role, ok := c.OrgRoles[orgID]
	return role, ok
}

// WorkspaceRole returns the principal's role in the workspace, if any.
func (c *Context) WorkspaceRole(workspaceID string) (string, bool) {
	if c == nil {
		return "", false
	}
	role, ok := c.WorkspaceRoles[workspaceID]
	return role, ok
}

// WithOrganization returns a copy of the context with the organization
// selection applied. An organization the principal is not a member of clears
// the selection. A workspace selection whose parent no longer matches is
// cleared as well.
func (c Context) WithOrganization(orgID string) Context {
	if _, ok := c.OrgRoles[orgID]; ok {
		c.CurrentOrgID = orgID
	} else {
		c.CurrentOrgID = ""
	}
	if c.CurrentWorkspaceID != "" {
		if c.CurrentOrgID == "" || c.WorkspaceOrgs[c.CurrentWorkspaceID] != c.CurrentOrgID {
			c.CurrentWorkspaceID = ""
		}
	}
	return c
}

// WithWorkspace returns a copy of the context with the workspace selection
// applied. The selection is cleared when the principal is not a member of the
// workspace, or when an organization is selected and the workspace belongs to
// a different one.
func (c Context) WithWorkspace(workspaceID string) Context {
	if _, ok := c.WorkspaceRoles[workspaceID]; !ok {
		c.CurrentWorkspaceID = ""
		return c
	}
	if c.CurrentOrgID != "" && c.WorkspaceOrgs[workspaceID] != c.CurrentOrgID {
		c.CurrentWorkspaceID = ""
		return c
	}
	c.CurrentWorkspaceID = workspaceID
	return c
}

type accessContextKey struct{}

// ContextWith attaches the access context to the request context.
func ContextWith(ctx context.Context, acc *Context) context.Context {
	return context.WithValue(ctx, accessContextKey{}, acc)
}

// FromContext extracts the access context if one was attached.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(accessContextKey{}).(*Context)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
