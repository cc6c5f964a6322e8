package oauth

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestMetadataHandlerMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/.well-known/oauth-authorization-server", nil)

	MetadataHandler(Config{Issuer: "https://idp.example.com"})(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestMetadataHandlerUsesConfigIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)

	cfg := Config{
		Issuer: "https://idp.example.com/",
		Scopes: []ScopeConfig{{Code: "openid"}, {Code: "read"}},
	}
	MetadataHandler(cfg)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var metadata AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&metadata); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if metadata.Issuer != "https://idp.example.com" {
		t.Fatalf("Issuer = %q, want %q", metadata.Issuer, "https://idp.example.com")
	}
	if metadata.TokenEndpoint != "https://idp.example.com/oauth/token" {
		t.Fatalf("TokenEndpoint = %q", metadata.TokenEndpoint)
	}
	if !reflect.DeepEqual(metadata.ScopesSupported, []string{"openid", "read"}) {
		t.Fatalf("ScopesSupported = %v", metadata.ScopesSupported)
	}
	if !reflect.DeepEqual(metadata.GrantTypesSupported, []string{"authorization_code", "refresh_token"}) {
		t.Fatalf("GrantTypesSupported = %v", metadata.GrantTypesSupported)
	}
}

func TestMetadataHandlerUsesRequestIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://idp.test/.well-known/oauth-authorization-server", nil)
	req.Host = "idp.test"

	MetadataHandler(Config{})(rec, req)
	var metadata AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&metadata); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if metadata.Issuer != "http://idp.test" {
		t.Fatalf("Issuer = %q, want %q", metadata.Issuer, "http://idp.test")
	}
}

func TestTokenAuthMethodsSupported(t *testing.T) {
	methods := tokenAuthMethodsSupported([]ClientConfig{
		{ID: "public"},
		{ID: "confidential", Secret: "secret"},
	})
	if !reflect.DeepEqual(methods, []string{"none", "client_secret_post"}) {
		t.Fatalf("methods = %v", methods)
	}
	methods = tokenAuthMethodsSupported([]ClientConfig{{ID: "forced", Secret: "s", TokenEndpointAuthMethod: "none"}})
	if !reflect.DeepEqual(methods, []string{"none"}) {
		t.Fatalf("methods = %v, want [none]", methods)
	}
}

func TestIssuerFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://idp.test", nil)
	req.Host = "idp.test"
	if got := issuerFromRequest(req); got != "http://idp.test" {
		t.Fatalf("issuerFromRequest() = %q", got)
	}

	req.TLS = &tls.ConnectionState{}
	if got := issuerFromRequest(req); got != "https://idp.test" {
		t.Fatalf("issuerFromRequest(TLS) = %q", got)
	}

	req.TLS = nil
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := issuerFromRequest(req); got != "https://idp.test" {
		t.Fatalf("issuerFromRequest(forwarded) = %q", got)
	}
}
