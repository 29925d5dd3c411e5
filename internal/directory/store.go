// Package directory exposes the read-only view of principals, memberships,
// and permission mappings that authorization decisions are built from. The
// records themselves are owned by account provisioning; this service never
// writes them.
package directory

import "context"

// Directory looks up principals and their tenant memberships.
type Directory interface {
	FindUser(ctx context.Context, userID string) (*User, error)
	OrganizationMemberships(ctx context.Context, userID string) ([]OrgMembership, error)
	WorkspaceMemberships(ctx context.Context, userID string) ([]WorkspaceMembership, error)
}

// Catalog answers permission questions for a principal. FlattenedPermissions
// returns `resourceType:action` strings derived from every role the user
// holds; the two Has* operations back the resource-scope fallback path.
type Catalog interface {
	FlattenedPermissions(ctx context.Context, userID string) (map[string]struct{}, error)
	HasDirectResourceGrant(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error)
	HasRolePermission(ctx context.Context, userID, resourceType, action string) (bool, error)
}

// PermissionKey builds the flattened `resourceType:action` form used for
// set-membership checks. Comparison is exact and case-sensitive everywhere.
func PermissionKey(resourceType, action string) string {
	return resourceType + ":" + action
}
