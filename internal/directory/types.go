package directory

import "time"

// User is an authenticated human or service actor. Provisioned by account
// management; read-only from this service's perspective.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	SystemAdmin bool      `json:"system_admin"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OrgMembership relates a user to an organization with a single role.
// At most one row exists per (user, organization).
type OrgMembership struct {
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// WorkspaceMembership relates a user to a workspace. A workspace belongs to
// exactly one organization, fixed at creation.
type WorkspaceMembership struct {
	WorkspaceID    string    `json:"workspace_id"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Well-known membership role labels. Roles are free-form strings in storage;
// these are the ones the platform assigns.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)
