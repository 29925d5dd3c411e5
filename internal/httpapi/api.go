// Package httpapi is the HTTP surface: health endpoints, federated login
// routes, token issuance and the authorization check API, all behind the
// interceptor chain.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"gatekit.org/internal/access"
	"gatekit.org/internal/directory"
	"gatekit.org/internal/obs"
	"gatekit.org/internal/sso"
)

// ReadyProbe reports whether downstream dependencies answer.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// CookieConfig controls the login session cookie.
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

func (c CookieConfig) name() string {
	if c.Name == "" {
		return "gk_session"
	}
	return c.Name
}

// Options wires the API's collaborators.
type Options struct {
	ReadyProbe ReadyProbe
	Version    string

	Builder    *access.Builder
	Authorizer *access.Authorizer
	Directory  directory.Directory
	Sessions   SessionReader
	Providers  []sso.Provider
	Cookie     CookieConfig

	// RateBurst/RatePerSecond tune the per-IP limiter; zero disables it.
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	builder    *access.Builder
	authorizer *access.Authorizer
	dir        directory.Directory
	sessions   SessionReader
	providers  map[string]sso.Provider
	cookie     CookieConfig

	rateBurst     int
	ratePerSecond int
}

func New(opts Options) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    opts.ReadyProbe,
		version:       opts.Version,
		builder:       opts.Builder,
		authorizer:    opts.Authorizer,
		dir:           opts.Directory,
		sessions:      opts.Sessions,
		providers:     make(map[string]sso.Provider, len(opts.Providers)),
		cookie:        opts.Cookie,
		rateBurst:     opts.RateBurst,
		ratePerSecond: opts.RatePerSecond,
	}
	for _, p := range opts.Providers {
		a.providers[p.ID()] = p
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// federated login
	a.mux.HandleFunc("/v1/sso/", a.handleSSO)

	// identity and authorization
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)
	a.mux.HandleFunc("/v1/directory/users/", a.handleDirectoryUser)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the mux wrapped in the full interceptor chain. Order
// matters: the request id is minted first so every later stage can tag its
// output, and metrics wrap the outside to time the whole chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAccess(h)
	h = MaxBodyBytes(h, 1<<20)
	if a.rateBurst > 0 && a.ratePerSecond > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	}
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gatekit-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0, len(a.providers))
	for id := range a.providers {
		providers = append(providers, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      "gatekit-api",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"version":   a.version,
		"providers": providers,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
