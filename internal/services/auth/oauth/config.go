package oauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/louisbranch/gatehouse/internal/platform/config"
)

// MaxCodeTTL bounds authorization code lifetime.
const MaxCodeTTL = 10 * time.Minute

// MinSigningKeyLength is the shortest accepted HS256 signing key, in bytes.
const MinSigningKeyLength = 32

// Config describes the OAuth engine configuration.
type Config struct {
	Issuer                  string
	SigningKey              []byte
	LoginUIURL              string
	Clients                 []ClientConfig
	Scopes                  []ScopeConfig
	AuthorizationCodeTTL    time.Duration
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	PendingAuthorizationTTL time.Duration
	// CodeRetention keeps consumed codes past expiry so late replays are
	// still recognized and revoke their family.
	CodeRetention   time.Duration
	CleanupInterval time.Duration
}

// ClientConfig seeds a registered OAuth client application.
type ClientConfig struct {
	ID                      string   `json:"client_id"`
	Secret                  string   `json:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	Name                    string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// ScopeConfig seeds an entry in the scope catalog.
type ScopeConfig struct {
	Code        string
	Description string
}

// oauthEnv holds raw env values for OAuth configuration.
type oauthEnv struct {
	Issuer                  string        `env:"GATEHOUSE_OAUTH_ISSUER"            envDefault:"http://localhost:8080"`
	SigningKey              string        `env:"GATEHOUSE_OAUTH_SIGNING_KEY"`
	LoginUIURL              string        `env:"GATEHOUSE_OAUTH_LOGIN_UI_URL"`
	ClientsJSON             string        `env:"GATEHOUSE_OAUTH_CLIENTS"`
	Scopes                  string        `env:"GATEHOUSE_OAUTH_SCOPES"            envDefault:"openid,profile,email"`
	AuthorizationCodeTTL    time.Duration `env:"GATEHOUSE_OAUTH_CODE_TTL"          envDefault:"10m"`
	AccessTokenTTL          time.Duration `env:"GATEHOUSE_OAUTH_ACCESS_TOKEN_TTL"  envDefault:"1h"`
	RefreshTokenTTL         time.Duration `env:"GATEHOUSE_OAUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`
	PendingAuthorizationTTL time.Duration `env:"GATEHOUSE_OAUTH_PENDING_TTL"       envDefault:"15m"`
	CodeRetention           time.Duration `env:"GATEHOUSE_OAUTH_CODE_RETENTION"    envDefault:"24h"`
	CleanupInterval         time.Duration `env:"GATEHOUSE_OAUTH_CLEANUP_INTERVAL"  envDefault:"1m"`
}

// DefaultConfig returns the defaults applied when env parsing fails.
func DefaultConfig() Config {
	return Config{
		Issuer:                  "http://localhost:8080",
		Scopes:                  parseScopes("openid,profile,email"),
		AuthorizationCodeTTL:    MaxCodeTTL,
		AccessTokenTTL:          time.Hour,
		RefreshTokenTTL:         720 * time.Hour,
		PendingAuthorizationTTL: 15 * time.Minute,
		CodeRetention:           24 * time.Hour,
		CleanupInterval:         time.Minute,
	}
}

// LoadConfigFromEnv loads OAuth configuration from environment variables.
// Malformed client JSON is reported; other parse failures fall back to
// defaults.
func LoadConfigFromEnv() (Config, error) {
	var raw oauthEnv
	if err := env.Parse(&raw); err != nil {
		return DefaultConfig(), nil
	}

	var clients []ClientConfig
	if strings.TrimSpace(raw.ClientsJSON) != "" {
		if err := json.Unmarshal([]byte(raw.ClientsJSON), &clients); err != nil {
			return Config{}, fmt.Errorf("parse GATEHOUSE_OAUTH_CLIENTS: %w", err)
		}
	}

	cfg := Config{
		Issuer:                  strings.TrimRight(raw.Issuer, "/"),
		LoginUIURL:              strings.TrimSpace(raw.LoginUIURL),
		Clients:                 clients,
		Scopes:                  parseScopes(raw.Scopes),
		AuthorizationCodeTTL:    raw.AuthorizationCodeTTL,
		AccessTokenTTL:          raw.AccessTokenTTL,
		RefreshTokenTTL:         raw.RefreshTokenTTL,
		PendingAuthorizationTTL: raw.PendingAuthorizationTTL,
		CodeRetention:           raw.CodeRetention,
		CleanupInterval:         raw.CleanupInterval,
	}
	if raw.SigningKey != "" {
		cfg.SigningKey = []byte(raw.SigningKey)
	}
	return cfg.normalized(), nil
}

// normalized clamps TTLs into their allowed ranges.
func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.AuthorizationCodeTTL <= 0 || c.AuthorizationCodeTTL > MaxCodeTTL {
		c.AuthorizationCodeTTL = MaxCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaults.AccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = defaults.RefreshTokenTTL
	}
	if c.PendingAuthorizationTTL <= 0 {
		c.PendingAuthorizationTTL = defaults.PendingAuthorizationTTL
	}
	if c.CodeRetention < 0 {
		c.CodeRetention = 0
	}
	return c
}

// parseScopes reads "code" or "code:description" CSV entries.
func parseScopes(value string) []ScopeConfig {
	entries := config.SplitCSV(value)
	if len(entries) == 0 {
		return nil
	}
	scopes := make([]ScopeConfig, 0, len(entries))
	for _, entry := range entries {
		code, description, _ := strings.Cut(entry, ":")
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		scopes = append(scopes, ScopeConfig{Code: code, Description: strings.TrimSpace(description)})
	}
	return scopes
}
