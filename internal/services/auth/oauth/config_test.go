package oauth

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("GATEHOUSE_OAUTH_ISSUER", "")
	t.Setenv("GATEHOUSE_OAUTH_CLIENTS", "")
	t.Setenv("GATEHOUSE_OAUTH_SIGNING_KEY", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.AuthorizationCodeTTL != 10*time.Minute {
		t.Fatalf("AuthorizationCodeTTL = %v, want %v", cfg.AuthorizationCodeTTL, 10*time.Minute)
	}
	if cfg.AccessTokenTTL != time.Hour {
		t.Fatalf("AccessTokenTTL = %v, want %v", cfg.AccessTokenTTL, time.Hour)
	}
	if cfg.RefreshTokenTTL != 720*time.Hour {
		t.Fatalf("RefreshTokenTTL = %v, want %v", cfg.RefreshTokenTTL, 720*time.Hour)
	}
	if cfg.PendingAuthorizationTTL != 15*time.Minute {
		t.Fatalf("PendingAuthorizationTTL = %v, want %v", cfg.PendingAuthorizationTTL, 15*time.Minute)
	}
	if cfg.Clients != nil {
		t.Fatal("expected Clients to be nil")
	}
	if cfg.SigningKey != nil {
		t.Fatal("expected SigningKey to be nil")
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("GATEHOUSE_OAUTH_ISSUER", "https://idp.example.com/")
	t.Setenv("GATEHOUSE_OAUTH_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("GATEHOUSE_OAUTH_CODE_TTL", "1h")
	t.Setenv("GATEHOUSE_OAUTH_SCOPES", "read:Read things, write")
	t.Setenv("GATEHOUSE_OAUTH_CLIENTS", `[{"client_id":"app","redirect_uris":["https://app.example.com/cb"],"scopes":["read"]}]`)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.Issuer != "https://idp.example.com" {
		t.Fatalf("Issuer = %q", cfg.Issuer)
	}
	if cfg.AuthorizationCodeTTL != MaxCodeTTL {
		t.Fatalf("AuthorizationCodeTTL = %v, want capped %v", cfg.AuthorizationCodeTTL, MaxCodeTTL)
	}
	if string(cfg.SigningKey) != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("SigningKey = %q", cfg.SigningKey)
	}
	wantScopes := []ScopeConfig{{Code: "read", Description: "Read things"}, {Code: "write"}}
	if !reflect.DeepEqual(cfg.Scopes, wantScopes) {
		t.Fatalf("Scopes = %+v, want %+v", cfg.Scopes, wantScopes)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ID != "app" || cfg.Clients[0].RedirectURIs[0] != "https://app.example.com/cb" {
		t.Fatalf("Clients = %+v", cfg.Clients)
	}
}

func TestLoadConfigFromEnvBadClients(t *testing.T) {
	t.Setenv("GATEHOUSE_OAUTH_CLIENTS", "{not json")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for malformed clients json")
	}
}

func TestLoadConfigFromEnvFallsBackOnParseError(t *testing.T) {
	t.Setenv("GATEHOUSE_OAUTH_ACCESS_TOKEN_TTL", "soon")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestParseScopesSkipsBlank(t *testing.T) {
	got := parseScopes(" a , :orphan, b:B ")
	want := []ScopeConfig{{Code: "a"}, {Code: "b", Description: "B"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseScopes() = %+v, want %+v", got, want)
	}
	if parseScopes("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
