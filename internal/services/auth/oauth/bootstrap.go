package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

// Bootstrap seeds the scope catalog and client registrations from cfg.
// Existing rows are overwritten so configuration stays authoritative.
func Bootstrap(ctx context.Context, clients storage.ClientStore, hasher TokenHasher, cfg Config, now time.Time) error {
	if clients == nil {
		return nil
	}
	for _, entry := range cfg.Scopes {
		if err := clients.PutScope(ctx, storage.Scope{Code: entry.Code, Description: entry.Description, IsActive: true}); err != nil {
			return fmt.Errorf("seed scope %s: %w", entry.Code, err)
		}
	}
	for _, client := range cfg.Clients {
		clientID := strings.TrimSpace(client.ID)
		if clientID == "" || len(client.RedirectURIs) == 0 {
			continue
		}
		method := strings.TrimSpace(client.TokenEndpointAuthMethod)
		secretHash := ""
		if client.Secret != "" {
			if hasher == nil {
				return fmt.Errorf("seed client %s: secret hasher is required", clientID)
			}
			secretHash = hasher.HashToken(client.Secret)
		}
		switch method {
		case "":
			method = AuthMethodNone
			if secretHash != "" {
				method = AuthMethodClientSecretPost
			}
		case AuthMethodNone, AuthMethodClientSecretPost:
		default:
			return fmt.Errorf("seed client %s: unsupported token endpoint auth method %q", clientID, method)
		}
		if method == AuthMethodClientSecretPost && secretHash == "" {
			return fmt.Errorf("seed client %s: client_secret_post requires a secret", clientID)
		}
		record := storage.Client{
			ID:                      clientID,
			Name:                    strings.TrimSpace(client.Name),
			SecretHash:              secretHash,
			RedirectURIs:            client.RedirectURIs,
			AllowedScopes:           client.Scopes,
			TokenEndpointAuthMethod: method,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if err := clients.PutClient(ctx, record); err != nil {
			return fmt.Errorf("seed client %s: %w", clientID, err)
		}
	}
	return nil
}

// RegisterFirstPartyClient makes sure clientID exists so first-party logins
// can issue tokens for it. A client already configured, for example through
// GATEHOUSE_OAUTH_CLIENTS, is left as is. The registration created here has
// no redirect URIs and cannot start an authorization code flow.
func RegisterFirstPartyClient(ctx context.Context, clients storage.ClientStore, clientID, name string, now time.Time) error {
	clientID = strings.TrimSpace(clientID)
	if clients == nil || clientID == "" {
		return nil
	}
	_, err := clients.GetClient(ctx, clientID)
	if err == nil {
		return nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return fmt.Errorf("load first-party client %s: %w", clientID, err)
	}
	if err := clients.PutClient(ctx, storage.Client{
		ID:                      clientID,
		Name:                    strings.TrimSpace(name),
		TokenEndpointAuthMethod: AuthMethodNone,
		CreatedAt:               now,
		UpdatedAt:               now,
	}); err != nil {
		return fmt.Errorf("register first-party client %s: %w", clientID, err)
	}
	return nil
}
