package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatekit.org/internal/access"
	"gatekit.org/internal/directory"
	"gatekit.org/internal/httpapi"
	"gatekit.org/internal/obs"
	"gatekit.org/internal/session"
	"gatekit.org/internal/sso"
	"gatekit.org/internal/sso/oidc"
	"gatekit.org/internal/sso/saml"
)

var version = "0.3.1"

var commit = "unknown"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()

	// Database is required for the directory; without it only health
	// endpoints are useful, so fail fast when the DSN is missing.
	dsn := os.Getenv("GATEKIT_PG_DSN")
	if dsn == "" {
		log.Fatal("GATEKIT_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	dir := directory.NewPGStore(db)
	sessions := session.NewPGStore(db)
	matcher := func(ctx context.Context, email string) (string, error) {
		user, err := dir.FindUserByEmail(ctx, email)
		if errors.Is(err, directory.ErrNotFound) {
			return "", session.ErrNoMatch
		}
		if err != nil {
			return "", err
		}
		return user.ID, nil
	}
	bridge := session.NewBridge(sessions, matcher)

	providers := buildProviders(ctx, sessions, bridge)
	if len(providers) == 0 {
		log.Print("no identity providers configured; only token auth is available")
	}

	api := httpapi.New(httpapi.Options{
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
		Builder:    access.NewBuilder(dir, dir),
		Authorizer: access.NewAuthorizer(dir),
		Directory:  dir,
		Sessions:   sessions,
		Providers:  providers,
		Cookie: httpapi.CookieConfig{
			Domain: os.Getenv("GATEKIT_COOKIE_DOMAIN"),
			Secure: os.Getenv("GATEKIT_COOKIE_INSECURE") != "1",
		},
		RateBurst:     envInt("GATEKIT_RATE_BURST", 20),
		RatePerSecond: envInt("GATEKIT_RATE_PER_SECOND", 10),
	})

	addr := os.Getenv("GATEKIT_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gatekit-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = db.Close()
	log.Println("Stopped")
}

// buildProviders assembles every identity provider the environment
// configures. A misconfigured provider is logged and skipped; the others
// keep working.
func buildProviders(ctx context.Context, sessions session.Store, bridge *session.Bridge) []sso.Provider {
	var providers []sso.Provider

	if issuer := os.Getenv("GATEKIT_OIDC_ISSUER"); issuer != "" {
		discoveryCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		p, err := oidc.New(discoveryCtx, oidc.Config{
			ProviderID:      envDefault("GATEKIT_OIDC_PROVIDER_ID", "oidc"),
			Issuer:          issuer,
			ClientID:        os.Getenv("GATEKIT_OIDC_CLIENT_ID"),
			ClientSecret:    os.Getenv("GATEKIT_OIDC_CLIENT_SECRET"),
			RedirectURL:     os.Getenv("GATEKIT_OIDC_REDIRECT_URL"),
			LoginErrorURL:   envDefault("GATEKIT_LOGIN_ERROR_URL", "/login?error=sso"),
			PostLogoutURL:   envDefault("GATEKIT_POST_LOGOUT_URL", "/"),
			DefaultRedirect: envDefault("GATEKIT_DEFAULT_REDIRECT", "/"),
		}, sessions, bridge)
		cancel()
		if err != nil {
			log.Printf("skipping oidc provider: %v", err)
		} else {
			providers = append(providers, p)
		}
	}

	if metadataFile := os.Getenv("GATEKIT_SAML_IDP_METADATA_FILE"); metadataFile != "" {
		p, err := samlProviderFromEnv(metadataFile, sessions, bridge)
		if err != nil {
			log.Printf("skipping saml provider: %v", err)
		} else {
			providers = append(providers, p)
		}
	}

	return providers
}

// samlProviderFromEnv reads the trust material the environment points at.
// Any unreadable file fails this provider only; the caller logs and skips.
func samlProviderFromEnv(metadataFile string, sessions session.Store, bridge *session.Bridge) (sso.Provider, error) {
	cfg := saml.Config{
		ProviderID:      envDefault("GATEKIT_SAML_PROVIDER_ID", "saml"),
		EntityID:        os.Getenv("GATEKIT_SAML_ENTITY_ID"),
		ACSURL:          os.Getenv("GATEKIT_SAML_ACS_URL"),
		MetadataURL:     os.Getenv("GATEKIT_SAML_METADATA_URL"),
		SLOURL:          os.Getenv("GATEKIT_SAML_SLO_URL"),
		LoginErrorURL:   envDefault("GATEKIT_LOGIN_ERROR_URL", "/login?error=sso"),
		PostLogoutURL:   envDefault("GATEKIT_POST_LOGOUT_URL", "/"),
		DefaultRedirect: envDefault("GATEKIT_DEFAULT_REDIRECT", "/"),
	}
	var err error
	cfg.IDPMetadata, err = os.ReadFile(metadataFile)
	if err != nil {
		return nil, fmt.Errorf("read idp metadata: %w", err)
	}
	if certFile := os.Getenv("GATEKIT_SAML_CERT_FILE"); certFile != "" {
		cfg.SigningCertPEM, err = os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("read signing cert: %w", err)
		}
		cfg.SigningKeyPEM, err = os.ReadFile(os.Getenv("GATEKIT_SAML_KEY_FILE"))
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
	}
	p, err := saml.New(cfg, sessions, bridge)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s must be an integer: %v", key, err)
	}
	return n
}
