package oauth

import (
	"context"
	"strings"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
)

// RevocationRequest is an RFC 7009 request.
type RevocationRequest struct {
	Token        string
	ClientID     string
	ClientSecret string
}

// Revoke invalidates an access or refresh token held by the client. Revoking
// a refresh token revokes its whole family. Unknown, foreign and already
// revoked tokens are not errors; only client authentication can fail.
func (e *Engine) Revoke(ctx context.Context, req RevocationRequest) error {
	ctx, span := e.tracer.Start(ctx, "oauth.Revoke")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}
	raw := strings.TrimSpace(req.Token)
	if raw == "" {
		return nil
	}
	record, err := e.lookupToken(ctx, raw)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeUpstream) {
			return err
		}
		return nil
	}
	if record.ClientID != client.ID {
		e.logger.Info("revoke for foreign token ignored", zap.String("client_id", client.ID))
		return nil
	}
	if record.RevokedAt != nil {
		return nil
	}
	now := e.now()
	if record.Kind == storage.TokenKindRefresh {
		if _, err := e.tokens.RevokeTokenFamily(ctx, record.FamilyID, now); err != nil {
			return upstream("revoke token family", err)
		}
	} else if err := e.tokens.RevokeToken(ctx, record.TokenHash, now); err != nil {
		return upstream("revoke token", err)
	}
	e.audit.Record(ctx, audit.Event{
		Kind:     audit.KindTokenRevoked,
		Severity: audit.SeverityInfo,
		UserID:   record.UserID,
		ClientID: record.ClientID,
		Detail:   string(record.Kind),
	})
	return nil
}

// Introspect describes token per RFC 7662. Unknown, expired and revoked
// tokens are reported inactive rather than as errors.
func (e *Engine) Introspect(ctx context.Context, token string) (*Introspection, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.Introspect")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	raw := strings.TrimSpace(token)
	if raw == "" {
		return inactive(), nil
	}
	record, err := e.lookupToken(ctx, raw)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeUpstream) {
			return nil, err
		}
		return inactive(), nil
	}
	if !record.Active(e.now()) || record.RotatedAt != nil {
		return inactive(), nil
	}
	tokenType := "refresh_token"
	if record.Kind == storage.TokenKindAccess {
		tokenType = tokenTypeBearer
	}
	return &Introspection{
		Active:    true,
		Scope:     strings.Join(record.Scopes, " "),
		ClientID:  record.ClientID,
		Subject:   record.UserID,
		ExpiresAt: unixOrZero(record.ExpiresAt),
		IssuedAt:  unixOrZero(record.CreatedAt),
		TokenType: tokenType,
	}, nil
}

// lookupToken resolves a presented token to its record. JWTs are looked up
// by the hash of their jti, opaque tokens by their own hash.
func (e *Engine) lookupToken(ctx context.Context, raw string) (storage.Token, error) {
	hash := e.hasher.HashToken(raw)
	if strings.Count(raw, ".") == 2 {
		claims, err := e.parseAccessToken(raw)
		if err != nil {
			return storage.Token{}, err
		}
		hash = e.hasher.HashToken(claims.ID)
	}
	record, err := e.tokens.GetTokenByHash(ctx, hash)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return storage.Token{}, err
		}
		return storage.Token{}, upstream("load token", err)
	}
	return record, nil
}
