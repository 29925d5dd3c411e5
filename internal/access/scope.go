package access

// ScopeKind discriminates the granularity of a permission check.
type ScopeKind int

const (
	ScopeSystem ScopeKind = iota
	ScopeOrganization
	ScopeWorkspace
	ScopeResource
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeSystem:
		return "system"
	case ScopeOrganization:
		return "organization"
	case ScopeWorkspace:
		return "workspace"
	case ScopeResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Scope is a tagged variant: each kind carries exactly the target id it
// needs, so the resolver never probes fields that do not apply.
type Scope struct {
	Kind           ScopeKind
	OrganizationID string
	WorkspaceID    string
	ResourceID     string

	// resolve lazily produces the resource id when the caller extracts it
	// from the request instead of passing it directly.
	resolve func() string
}

// SystemScope targets platform-wide checks.
func SystemScope() Scope {
	return Scope{Kind: ScopeSystem}
}

// OrganizationScope targets a single organization.
func OrganizationScope(orgID string) Scope {
	return Scope{Kind: ScopeOrganization, OrganizationID: orgID}
}

// WorkspaceScope targets a single workspace.
func WorkspaceScope(workspaceID string) Scope {
	return Scope{Kind: ScopeWorkspace, WorkspaceID: workspaceID}
}

// ResourceScope targets one concrete resource by id. The id is matched
// literally; "*" is an ordinary id with no wildcard meaning.
func ResourceScope(resourceID string) Scope {
	return Scope{Kind: ScopeResource, ResourceID: resourceID}
}

// ResourceScopeFunc defers resource id extraction until resolution time,
// typically to pull it from a route parameter.
func ResourceScopeFunc(extract func() string) Scope {
	return Scope{Kind: ScopeResource, resolve: extract}
}

// resourceID returns the target id, running the extractor at most once.
func (s *Scope) resourceID() string {
	if s.ResourceID == "" && s.resolve != nil {
		s.ResourceID = s.resolve()
		s.resolve = nil
	}
	return s.ResourceID
}
