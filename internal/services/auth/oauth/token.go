package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/scope"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	refreshTokenByteLength = 32
	tokenTypeBearer        = "Bearer"
)

// accessClaims is the JWT body of an access token.
type accessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	FamilyID string `json:"fam"`
}

// Token dispatches a token endpoint request by grant type.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (*TokenSet, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return e.Exchange(ctx, req)
	case GrantRefreshToken:
		return e.Refresh(ctx, req)
	case "":
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "grant_type is required", "missing grant type")
	default:
		return nil, protocolError(apperrors.CodeValidation, ErrorUnsupportedGrantType, "unsupported grant_type", "unsupported grant type")
	}
}

// Exchange redeems an authorization code. A code that was already redeemed
// revokes every token issued from it.
func (e *Engine) Exchange(ctx context.Context, req TokenRequest) (*TokenSet, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.Exchange")
	defer span.End()
	span.SetAttributes(attribute.String("client_id", req.ClientID))
	ctx, cancel := bounded(ctx)
	defer cancel()

	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "code is required", "missing code")
	}
	if strings.TrimSpace(req.CodeVerifier) == "" {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "code_verifier is required", "missing code verifier")
	}

	codeHash := e.hasher.HashToken(req.Code)
	code, err := e.codes.GetAuthorizationCodeByHash(ctx, codeHash)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, invalidGrant(apperrors.CodeNotFound, "authorization code not found")
		}
		return nil, upstream("load authorization code", err)
	}
	now := e.now()

	if code.Used {
		e.revokeFamily(ctx, code.FamilyID, now, audit.Event{
			Kind:     audit.KindCodeReplay,
			Severity: audit.SeverityCritical,
			UserID:   code.UserID,
			ClientID: code.ClientID,
			Detail:   "authorization code presented after redemption",
		})
		return nil, invalidGrant(apperrors.CodeReplay, "authorization code reused")
	}
	if !now.Before(code.ExpiresAt) {
		return nil, invalidGrant(apperrors.CodeExpired, "authorization code expired")
	}
	if code.ClientID != client.ID {
		return nil, invalidGrant(apperrors.CodeValidation, "authorization code issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, invalidGrant(apperrors.CodeValidation, "redirect uri mismatch")
	}
	if !ValidatePKCE(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		// Burn the code so a failed verifier cannot be retried.
		if _, err := e.codes.TryConsumeAuthorizationCode(ctx, codeHash); err != nil {
			e.logger.Warn("burn code after pkce failure", zap.Error(err))
		}
		return nil, invalidGrant(apperrors.CodeValidation, "pkce verification failed")
	}

	consumed, err := e.codes.TryConsumeAuthorizationCode(ctx, codeHash)
	if err != nil {
		return nil, upstream("consume authorization code", err)
	}
	if !consumed {
		return nil, invalidGrant(apperrors.CodeReplay, "authorization code already consumed")
	}

	return e.issueTokens(ctx, grant{
		familyID: code.FamilyID,
		clientID: code.ClientID,
		userID:   code.UserID,
		scopes:   code.Scopes,
	})
}

// Refresh rotates a refresh token. Presenting a rotated or revoked refresh
// token revokes its whole family.
func (e *Engine) Refresh(ctx context.Context, req TokenRequest) (*TokenSet, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.Refresh")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "refresh_token is required", "missing refresh token")
	}
	tokenHash := e.hasher.HashToken(req.RefreshToken)
	current, err := e.tokens.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, invalidGrant(apperrors.CodeNotFound, "refresh token not found")
		}
		return nil, upstream("load refresh token", err)
	}
	if current.Kind != storage.TokenKindRefresh {
		return nil, invalidGrant(apperrors.CodeValidation, "not a refresh token")
	}
	if current.ClientID != client.ID {
		return nil, invalidGrant(apperrors.CodeValidation, "refresh token issued to another client")
	}
	now := e.now()
	reuse := audit.Event{
		Kind:     audit.KindRefreshReuse,
		Severity: audit.SeverityCritical,
		UserID:   current.UserID,
		ClientID: current.ClientID,
		Detail:   "refresh token presented after rotation or revocation",
	}
	if current.RotatedAt != nil || current.RevokedAt != nil {
		e.revokeFamily(ctx, current.FamilyID, now, reuse)
		return nil, invalidGrant(apperrors.CodeReplay, "refresh token reused")
	}
	if !now.Before(current.ExpiresAt) {
		return nil, invalidGrant(apperrors.CodeExpired, "refresh token expired")
	}

	scopes := current.Scopes
	if requested := scope.Parse(req.Scope); len(requested) > 0 {
		if !scope.New(current.Scopes...).Covers(requested) {
			return nil, protocolError(apperrors.CodeValidation, ErrorInvalidScope, "requested scope exceeds the original grant", "scope widening on refresh")
		}
		scopes = requested.Sorted()
	}

	rotated, err := e.tokens.RotateRefreshToken(ctx, tokenHash, now)
	if err != nil {
		return nil, upstream("rotate refresh token", err)
	}
	if !rotated {
		e.revokeFamily(ctx, current.FamilyID, now, reuse)
		return nil, invalidGrant(apperrors.CodeReplay, "refresh token reused")
	}
	return e.issueTokens(ctx, grant{
		familyID: current.FamilyID,
		clientID: current.ClientID,
		userID:   current.UserID,
		scopes:   scopes,
	})
}

// IssueForUser issues a fresh token family for a first-party login, such as
// a passkey sign-in with no pending authorization. clientID must be a
// registered client and scopes must be valid for it.
func (e *Engine) IssueForUser(ctx context.Context, clientID, userID string, scopes []string) (*TokenSet, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.IssueForUser")
	defer span.End()
	span.SetAttributes(attribute.String("client_id", clientID))
	ctx, cancel := bounded(ctx)
	defer cancel()

	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	client, err := e.clients.GetClient(ctx, strings.TrimSpace(clientID))
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, protocolError(apperrors.CodeValidation, ErrorInvalidClient, "unknown client", "first-party client is not registered")
		}
		return nil, upstream("load client", err)
	}
	granted, err := e.validateScopes(ctx, client, scope.New(scopes...))
	if err != nil {
		return nil, err
	}
	familyID, err := e.idGenerator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate family id", err)
	}
	return e.issueTokens(ctx, grant{familyID: familyID, clientID: client.ID, userID: userID, scopes: granted})
}

type grant struct {
	familyID string
	clientID string
	userID   string
	scopes   []string
}

// issueTokens signs an access token and mints a refresh token in g's family.
func (e *Engine) issueTokens(ctx context.Context, g grant) (*TokenSet, error) {
	now := e.now()
	accessID, err := e.idGenerator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate token id", err)
	}
	jti, err := secret.GenerateToken(16)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate jti", err)
	}
	scopeValue := strings.Join(g.scopes, " ")
	accessExpiry := now.Add(e.config.AccessTokenTTL)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.config.Issuer,
			Subject:   g.userID,
			Audience:  jwt.ClaimStrings{g.clientID},
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Scope:    scopeValue,
		ClientID: g.clientID,
		FamilyID: g.familyID,
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.config.SigningKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "sign access token", err)
	}
	if err := e.tokens.PutToken(ctx, storage.Token{
		ID:        accessID,
		TokenHash: e.hasher.HashToken(jti),
		Kind:      storage.TokenKindAccess,
		FamilyID:  g.familyID,
		ClientID:  g.clientID,
		UserID:    g.userID,
		Scopes:    g.scopes,
		ExpiresAt: accessExpiry,
		CreatedAt: now,
	}); err != nil {
		return nil, storeTokenError("store access token", err)
	}

	refreshToken, err := secret.GenerateToken(refreshTokenByteLength)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate refresh token", err)
	}
	refreshID, err := e.idGenerator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate token id", err)
	}
	if err := e.tokens.PutToken(ctx, storage.Token{
		ID:        refreshID,
		TokenHash: e.hasher.HashToken(refreshToken),
		Kind:      storage.TokenKindRefresh,
		FamilyID:  g.familyID,
		ClientID:  g.clientID,
		UserID:    g.userID,
		Scopes:    g.scopes,
		ExpiresAt: now.Add(e.config.RefreshTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, storeTokenError("store refresh token", err)
	}

	return &TokenSet{
		AccessToken:  accessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(e.config.AccessTokenTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        scopeValue,
	}, nil
}

// storeTokenError maps a refused insert into a revoked family, which means a
// replay revoked the grant mid-issuance, to invalid_grant.
func storeTokenError(msg string, err error) error {
	if errors.Is(err, storage.ErrFamilyRevoked) {
		return invalidGrant(apperrors.CodeReplay, "token family revoked during issuance")
	}
	return upstream(msg, err)
}

// parseAccessToken verifies an access token signature and issuer. Expiry is
// checked by the caller against the engine clock.
func (e *Engine) parseAccessToken(raw string) (*accessClaims, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return e.config.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, apperrors.New(apperrors.CodeValidation, "access token is malformed")
		}
		return nil, apperrors.New(apperrors.CodeValidation, "access token signature is invalid")
	}
	if claims.Issuer != e.config.Issuer || claims.ID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "access token issuer mismatch")
	}
	return &claims, nil
}

// revokeFamily revokes every token in familyID and records event. Failures
// are logged; the caller is rejecting the request either way.
func (e *Engine) revokeFamily(ctx context.Context, familyID string, at time.Time, event audit.Event) {
	revoked, err := e.tokens.RevokeTokenFamily(ctx, familyID, at)
	if err != nil {
		e.logger.Error("revoke token family", zap.String("family_id", familyID), zap.Error(err))
	}
	e.audit.Record(ctx, event)
	e.logger.Warn("token family revoked",
		zap.String("event", string(event.Kind)),
		zap.String("family_id", familyID),
		zap.String("client_id", event.ClientID),
		zap.Int64("revoked", revoked),
	)
}
