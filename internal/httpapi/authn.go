package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"gatekit.org/internal/access"
	"gatekit.org/internal/session"
	"gatekit.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	orgQueryParam       = "org"
	workspaceQueryParam = "workspace"
	orgHeader           = "X-Org-Id"
	workspaceHeader     = "X-Workspace-Id"
)

var timeNow = time.Now

// SessionReader is the slice of the session store the HTTP layer needs.
type SessionReader interface {
	FindSession(ctx context.Context, id string) (*session.Session, error)
}

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}
var publicPrefixes = []string{
	"/v1/sso/",
}

// withAccess resolves the caller's identity (bearer token first, then the
// session cookie) and attaches a fully built access context. Unauthenticated
// requests proceed with an anonymous context; each handler decides whether
// that is acceptable. A malformed bearer token is rejected outright.
func (a *API) withAccess(next http.Handler) http.Handler {
	if a == nil || a.builder == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		userID, sessionID, err := a.resolveIdentity(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		acc := access.Anonymous()
		if userID != "" {
			acc = a.builder.Build(r.Context(), userID, pickSelector(r, orgQueryParam, orgHeader), pickSelector(r, workspaceQueryParam, workspaceHeader))
			acc.SSOSessionID = sessionID
		}
		next.ServeHTTP(w, r.WithContext(access.ContextWith(r.Context(), acc)))
	})
}

// resolveIdentity returns the caller's user id and, when cookie-based, the
// session id. An absent credential is not an error; a present-but-invalid
// bearer token is. An invalid cookie is treated as absent so that stale
// browsers fall back to the login flow instead of a hard 401.
func (a *API) resolveIdentity(r *http.Request) (userID, sessionID string, err error) {
	if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
		tok, err := extractBearerToken(header)
		if err != nil {
			return "", "", err
		}
		claims, err := token.ParseAndValidate(tok)
		if err != nil {
			return "", "", errors.New("invalid token")
		}
		return claims.Subject, "", nil
	}

	if a.sessions == nil {
		return "", "", nil
	}
	cookie, err := r.Cookie(a.cookie.name())
	if err != nil || cookie.Value == "" {
		return "", "", nil
	}
	sess, err := a.sessions.FindSession(r.Context(), cookie.Value)
	if err != nil || !sess.Valid(timeNow()) || sess.UserID == "" {
		return "", "", nil
	}
	return sess.UserID, sess.ID, nil
}

// requireAuthorized runs one permission check and writes the failure response
// itself. Denials carry no detail about why.
func (a *API) requireAuthorized(w http.ResponseWriter, r *http.Request, resourceType, action string, scope access.Scope) bool {
	acc, ok := access.FromContext(r.Context())
	if !ok {
		acc = access.Anonymous()
	}
	allowed, err := a.authorizer.Authorize(r.Context(), acc, resourceType, action, scope)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid authorization check")
		return false
	}
	if !allowed {
		if !acc.Authenticated() {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, "authentication required")
		} else {
			writeError(w, r, http.StatusForbidden, "forbidden")
		}
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

// pickSelector reads a scope selector from the query string first, the header
// second. The query form wins so links can carry the target explicitly.
func pickSelector(r *http.Request, queryParam, header string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(queryParam)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(header))
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
