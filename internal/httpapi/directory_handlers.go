package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gatekit.org/internal/access"
	"gatekit.org/internal/directory"
)

// handleDirectoryUser serves GET /v1/directory/users/{id}: the user record
// with its memberships. Reserved for operators holding user:read.
func (a *API) handleDirectoryUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.dir == nil {
		writeError(w, r, http.StatusServiceUnavailable, "directory unavailable")
		return
	}
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/directory/users/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if !a.requireAuthorized(w, r, "user", "read", access.SystemScope()) {
		return
	}

	user, err := a.dir.FindUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
		} else {
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	orgs, err := a.dir.OrganizationMemberships(r.Context(), userID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	workspaces, err := a.dir.WorkspaceMemberships(r.Context(), userID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":          user,
		"organizations": orgs,
		"workspaces":    workspaces,
	})
}
