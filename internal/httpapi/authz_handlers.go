package httpapi

import (
	"net/http"
	"time"

	"gatekit.org/internal/access"
	"gatekit.org/internal/audit"
	"gatekit.org/internal/token"
)

const tokenTTL = 15 * time.Minute

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken exchanges a valid login session for a short-lived bearer
// token. Tokens are minted only for identities resolved by the interceptor
// chain; there is no password grant.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	acc, ok := access.FromContext(r.Context())
	if !ok || !acc.Authenticated() {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	signed, err := token.Generate(acc.UserID, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user_id":    acc.UserID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     signed,
		ExpiresAt: expiresAt,
	})
}

// handleMe reports the resolved access context: who the caller is and what
// scope selection is in effect.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	acc, ok := access.FromContext(r.Context())
	if !ok || !acc.Authenticated() {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         acc.UserID,
		"email":           acc.Email,
		"system_admin":    acc.SystemAdmin,
		"organization_id": acc.CurrentOrgID,
		"workspace_id":    acc.CurrentWorkspaceID,
		"organizations":   acc.OrgRoles,
		"workspaces":      acc.WorkspaceRoles,
	})
}

type authzCheckRequest struct {
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
	Scope        struct {
		Kind           string `json:"kind"`
		OrganizationID string `json:"organization_id"`
		WorkspaceID    string `json:"workspace_id"`
		ResourceID     string `json:"resource_id"`
	} `json:"scope"`
}

type authzCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// handleAuthzCheck answers one permission question for the calling identity.
// Denials are 200 with allowed=false; only malformed checks are 400.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var scope access.Scope
	switch req.Scope.Kind {
	case "system", "":
		scope = access.SystemScope()
	case "organization":
		scope = access.OrganizationScope(req.Scope.OrganizationID)
	case "workspace":
		scope = access.WorkspaceScope(req.Scope.WorkspaceID)
	case "resource":
		scope = access.ResourceScope(req.Scope.ResourceID)
	default:
		writeError(w, r, http.StatusBadRequest, "unknown scope kind")
		return
	}

	acc, ok := access.FromContext(r.Context())
	if !ok {
		acc = access.Anonymous()
	}
	allowed, err := a.authorizer.Authorize(r.Context(), acc, req.ResourceType, req.Action, scope)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, authzCheckResponse{Allowed: allowed})
}
