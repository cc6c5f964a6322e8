package oauth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// AuthorizationServerMetadata represents RFC 8414 authorization server metadata.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Metadata describes the engine's endpoints relative to issuer.
func Metadata(cfg Config, issuer string) AuthorizationServerMetadata {
	issuer = strings.TrimRight(issuer, "/")
	scopes := make([]string, 0, len(cfg.Scopes))
	for _, entry := range cfg.Scopes {
		scopes = append(scopes, entry.Code)
	}
	return AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		IntrospectionEndpoint:             issuer + "/oauth/introspect",
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantRefreshToken},
		CodeChallengeMethodsSupported:     []string{MethodS256, MethodPlain},
		TokenEndpointAuthMethodsSupported: tokenAuthMethodsSupported(cfg.Clients),
	}
}

// MetadataHandler serves the metadata document. An empty configured issuer
// falls back to the request's scheme and host.
func MetadataHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		issuer := cfg.Issuer
		if strings.TrimSpace(issuer) == "" {
			issuer = issuerFromRequest(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Metadata(cfg, issuer))
	}
}

func tokenAuthMethodsSupported(clients []ClientConfig) []string {
	methods := []string{AuthMethodNone}
	for _, client := range clients {
		if client.Secret != "" && client.TokenEndpointAuthMethod != AuthMethodNone {
			methods = append(methods, AuthMethodClientSecretPost)
			break
		}
	}
	return methods
}

func issuerFromRequest(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}
