package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gatekit.org/internal/session"
)

const testIDPMetadata = `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com/metadata">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/sso"/>
  </IDPSSODescriptor>
</EntityDescriptor>`

func samlEnv(t *testing.T) string {
	t.Helper()
	metadataFile := filepath.Join(t.TempDir(), "idp.xml")
	if err := os.WriteFile(metadataFile, []byte(testIDPMetadata), 0o600); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	t.Setenv("GATEKIT_OIDC_ISSUER", "")
	t.Setenv("GATEKIT_SAML_IDP_METADATA_FILE", metadataFile)
	t.Setenv("GATEKIT_SAML_ENTITY_ID", "https://app.example.org/saml/metadata")
	t.Setenv("GATEKIT_SAML_ACS_URL", "https://app.example.org/v1/sso/saml/callback")
	t.Setenv("GATEKIT_SAML_CERT_FILE", "")
	t.Setenv("GATEKIT_SAML_KEY_FILE", "")
	return metadataFile
}

func TestBuildProvidersSAMLFromEnv(t *testing.T) {
	samlEnv(t)
	store := session.NewMemoryStore()

	providers := buildProviders(context.Background(), store, session.NewBridge(store, nil))
	if len(providers) != 1 {
		t.Fatalf("providers = %d, want 1", len(providers))
	}
	if providers[0].ID() != "saml" {
		t.Fatalf("provider id = %q", providers[0].ID())
	}
}

func TestBuildProvidersSkipsSAMLWithUnreadableSigningCert(t *testing.T) {
	samlEnv(t)
	t.Setenv("GATEKIT_SAML_CERT_FILE", filepath.Join(t.TempDir(), "missing-cert.pem"))
	store := session.NewMemoryStore()

	providers := buildProviders(context.Background(), store, session.NewBridge(store, nil))
	if len(providers) != 0 {
		t.Fatalf("providers = %d, want misconfigured provider skipped", len(providers))
	}
}

func TestBuildProvidersSkipsSAMLWithMissingSigningKey(t *testing.T) {
	samlEnv(t)
	certFile := filepath.Join(t.TempDir(), "cert.pem")
	if err := os.WriteFile(certFile, []byte("-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	t.Setenv("GATEKIT_SAML_CERT_FILE", certFile)
	// GATEKIT_SAML_KEY_FILE left empty: the read fails, the process must not.
	store := session.NewMemoryStore()

	providers := buildProviders(context.Background(), store, session.NewBridge(store, nil))
	if len(providers) != 0 {
		t.Fatalf("providers = %d, want misconfigured provider skipped", len(providers))
	}
}

func TestBuildProvidersSkipsSAMLWithUnreadableMetadata(t *testing.T) {
	samlEnv(t)
	t.Setenv("GATEKIT_SAML_IDP_METADATA_FILE", filepath.Join(t.TempDir(), "missing.xml"))
	store := session.NewMemoryStore()

	providers := buildProviders(context.Background(), store, session.NewBridge(store, nil))
	if len(providers) != 0 {
		t.Fatalf("providers = %d, want misconfigured provider skipped", len(providers))
	}
}
