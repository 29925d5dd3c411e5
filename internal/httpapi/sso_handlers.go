package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"gatekit.org/internal/audit"
	"gatekit.org/internal/obs"
	"gatekit.org/internal/session"
	"gatekit.org/internal/sso"
)

// handleSSO routes /v1/sso/{provider}/{login|callback|logout|metadata}.
func (a *API) handleSSO(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sso/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	provider, ok := a.providers[parts[0]]
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown provider")
		return
	}

	switch parts[1] {
	case "login":
		a.handleSSOLogin(w, r, provider)
	case "callback":
		a.handleSSOCallback(w, r, provider)
	case "logout":
		a.handleSSOLogout(w, r, provider)
	case "metadata":
		a.handleSSOMetadata(w, r, provider)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleSSOLogin(w http.ResponseWriter, r *http.Request, provider sso.Provider) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	location, err := provider.Initiate(r.Context(), sso.InitiateRequest{
		RedirectTo: safeRedirect(r.URL.Query().Get("redirect_to")),
		IPAddress:  sso.ClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		obs.LogEvent("error", "login initiation failed", map[string]any{
			"provider": provider.ID(),
			"error":    err.Error(),
		})
		writeError(w, r, http.StatusBadGateway, "login initiation failed")
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// handleSSOCallback finishes the login. Verification detail stays in the log;
// the browser only ever sees a redirect.
func (a *API) handleSSOCallback(w http.ResponseWriter, r *http.Request, provider sso.Provider) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	result := provider.HandleCallback(r.Context(), r)
	if !result.Success {
		errMsg := "unspecified"
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		obs.LogEvent("warn", "login callback failed", map[string]any{
			"provider": provider.ID(),
			"error":    errMsg,
		})
		target := result.RedirectURL
		if target == "" {
			target = "/"
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	_ = audit.LogEvent(r.Context(), "sso.login", map[string]any{
		"provider":   provider.ID(),
		"session_id": result.Session.ID,
		"user_id":    result.Session.UserID,
		"email":      result.Identity.Email,
	})

	http.SetCookie(w, a.sessionCookie(result.Session.ID, result.Session.ExpiresAt))
	target := result.RedirectURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) handleSSOLogout(w http.ResponseWriter, r *http.Request, provider sso.Provider) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}

	var sessionID string
	if cookie, err := r.Cookie(a.cookie.name()); err == nil {
		sessionID = cookie.Value
	}
	sess, err := a.lookupSession(r, sessionID)
	if err != nil {
		obs.LogEvent("warn", "logout session lookup failed", map[string]any{
			"provider": provider.ID(),
			"error":    err.Error(),
		})
	}

	target := provider.Logout(r.Context(), sess)
	if sess != nil {
		_ = audit.LogEvent(r.Context(), "sso.logout", map[string]any{
			"provider":   provider.ID(),
			"session_id": sess.ID,
			"user_id":    sess.UserID,
		})
	}
	http.SetCookie(w, a.sessionCookie("", time.Unix(0, 0)))
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) handleSSOMetadata(w http.ResponseWriter, r *http.Request, provider sso.Provider) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw, err := provider.ServiceProviderMetadata()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "metadata unavailable")
		return
	}
	contentType := "application/json; charset=utf-8"
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "<") {
		contentType = "application/samlmetadata+xml"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(raw)
}

func (a *API) lookupSession(r *http.Request, sessionID string) (*session.Session, error) {
	if sessionID == "" || a.sessions == nil {
		return nil, nil
	}
	return a.sessions.FindSession(r.Context(), sessionID)
}

func (a *API) sessionCookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     a.cookie.name(),
		Value:    value,
		Path:     "/",
		Domain:   a.cookie.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		c.MaxAge = -1
	}
	return c
}

// safeRedirect keeps post-login targets on-site. Absolute URLs and
// protocol-relative forms are rejected.
func safeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return ""
	}
	if u, err := url.Parse(target); err != nil || u.Host != "" || u.Scheme != "" {
		return ""
	}
	return target
}
