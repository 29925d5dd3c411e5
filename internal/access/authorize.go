package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gatekit.org/internal/directory"
	"gatekit.org/internal/obs"
)

var (
	// ErrMissingTarget reports a malformed check: a scoped check without its
	// target id. Ordinary denial is never an error.
	ErrMissingTarget = errors.New("access: scope target id is required")

	ErrInvalidInput = errors.New("access: invalid input")
)

// Authorizer answers allow/deny for (resourceType, action, scope) checks
// against a resolved access context. Stateless; safe for concurrent use.
type Authorizer struct {
	cat directory.Catalog
}

// NewAuthorizer constructs an Authorizer. The catalog backs the resource
// scope fallback path only; every other layer is resolved from the context.
func NewAuthorizer(cat directory.Catalog) *Authorizer {
	return &Authorizer{cat: cat}
}

// CheckOption configures a single authorization check.
type CheckOption func(*checkConfig)

type checkConfig struct {
	allowPublic bool
}

// AllowPublic permits the check to pass for anonymous contexts. Used for
// endpoints that are explicitly public.
func AllowPublic() CheckOption {
	return func(c *checkConfig) { c.allowPublic = true }
}

// Authorize resolves one permission check. The precedence order is fixed:
//
//  1. anonymous context: allow only when the check is marked public
//  2. system admin: allow unconditionally
//  3. system scope: flattened permission set membership
//  4. organization scope: membership in the target org AND permission set
//  5. workspace scope: membership in the target workspace AND permission set
//  6. resource scope: permission set, then direct grant, then role fallback
//
// Later checks are more expensive fallbacks and must not be reordered. An
// error is returned only for malformed input; catalog failures during the
// resource fallback deny (fail closed) and are logged as lookup errors.
func (a *Authorizer) Authorize(ctx context.Context, acc *Context, resourceType, action string, scope Scope, opts ...CheckOption) (bool, error) {
	resourceType = strings.TrimSpace(resourceType)
	action = strings.TrimSpace(action)
	if resourceType == "" || action == "" {
		return false, fmt.Errorf("%w: resource type and action are required", ErrInvalidInput)
	}
	var cfg checkConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if !acc.Authenticated() {
		if cfg.allowPublic {
			a.observe(scope.Kind, "allow")
			return true, nil
		}
		a.observe(scope.Kind, "deny")
		return false, nil
	}

	if acc.SystemAdmin {
		a.observe(scope.Kind, "allow")
		return true, nil
	}

	key := directory.PermissionKey(resourceType, action)

	switch scope.Kind {
	case ScopeSystem:
		return a.decide(scope.Kind, acc.HasPermission(key))

	case ScopeOrganization:
		if scope.OrganizationID == "" {
			return false, fmt.Errorf("%w: organization scope", ErrMissingTarget)
		}
		_, member := acc.OrgRole(scope.OrganizationID)
		return a.decide(scope.Kind, member && acc.HasPermission(key))

	case ScopeWorkspace:
		if scope.WorkspaceID == "" {
			return false, fmt.Errorf("%w: workspace scope", ErrMissingTarget)
		}
		_, member := acc.WorkspaceRole(scope.WorkspaceID)
		return a.decide(scope.Kind, member && acc.HasPermission(key))

	case ScopeResource:
		resourceID := scope.resourceID()
		if resourceID == "" {
			return false, fmt.Errorf("%w: resource scope", ErrMissingTarget)
		}
		if acc.HasPermission(key) {
			return a.decide(scope.Kind, true)
		}
		granted, err := a.cat.HasDirectResourceGrant(ctx, acc.UserID, resourceType, resourceID, action)
		if err != nil {
			return a.denyLookup(acc.UserID, resourceType, action, "direct grant", err)
		}
		if granted {
			return a.decide(scope.Kind, true)
		}
		granted, err = a.cat.HasRolePermission(ctx, acc.UserID, resourceType, action)
		if err != nil {
			return a.denyLookup(acc.UserID, resourceType, action, "role fallback", err)
		}
		return a.decide(scope.Kind, granted)

	default:
		return false, fmt.Errorf("%w: unknown scope kind %d", ErrInvalidInput, scope.Kind)
	}
}

func (a *Authorizer) decide(kind ScopeKind, allow bool) (bool, error) {
	if allow {
		a.observe(kind, "allow")
	} else {
		a.observe(kind, "deny")
	}
	return allow, nil
}

// denyLookup fails closed on a catalog error. The caller sees an ordinary
// denial; only the log line and metric outcome distinguish it.
func (a *Authorizer) denyLookup(userID, resourceType, action, op string, err error) (bool, error) {
	a.observe(ScopeResource, "deny_lookup_error")
	obs.LogEvent("error", "authorization lookup failed", map[string]any{
		"user_id":       userID,
		"resource_type": resourceType,
		"action":        action,
		"op":            op,
		"error":         err.Error(),
	})
	return false, nil
}

func (a *Authorizer) observe(kind ScopeKind, outcome string) {
	obs.ObserveAuthzDecision(kind.String(), outcome)
}
