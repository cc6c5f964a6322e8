package oauth

import (
	"context"
	"net/url"
	"slices"
	"strings"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/scope"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	codeByteLength         = 32
	consentTokenByteLength = 32
)

// Authorize validates an authorize request and stores it as a pending
// authorization. Errors found before the redirect URI is trusted are returned
// as-is; later errors are wrapped in a RedirectError.
func (e *Engine) Authorize(ctx context.Context, req AuthorizationRequest) (*PendingAuthorization, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.Authorize")
	defer span.End()
	span.SetAttributes(attribute.String("client_id", req.ClientID))
	ctx, cancel := bounded(ctx)
	defer cancel()

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "client_id is required", "missing client id")
	}
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "redirect_uri is required", "missing redirect uri")
	}
	client, err := e.clients.GetClient(ctx, clientID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "unknown client or redirect_uri", "unknown client")
		}
		return nil, upstream("load client", err)
	}
	// Exact match only.
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "unknown client or redirect_uri", "redirect uri not registered")
	}

	redirectErr := func(err error) error {
		return &RedirectError{RedirectURL: errorRedirect(redirectURI, err, req.State), Err: err}
	}

	if req.ResponseType != "code" {
		return nil, redirectErr(protocolError(apperrors.CodeValidation, ErrorUnsupportedResponseType, "response_type must be code", "unsupported response type"))
	}
	scopes, err := e.validateScopes(ctx, client, scope.Parse(req.Scope))
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeUpstream) {
			return nil, err
		}
		return nil, redirectErr(err)
	}
	method := strings.TrimSpace(req.CodeChallengeMethod)
	if method == "" {
		method = MethodS256
	}
	if method != MethodS256 && method != MethodPlain {
		return nil, redirectErr(protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "unsupported code_challenge_method", "unsupported pkce method"))
	}
	if !ValidateCodeChallenge(req.CodeChallenge) {
		return nil, redirectErr(protocolError(apperrors.CodeValidation, ErrorInvalidRequest, "code_challenge must be 43-128 unreserved characters", "invalid code challenge"))
	}

	pendingID, err := e.idGenerator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate pending id", err)
	}
	now := e.now()
	pending := storage.PendingAuthorization{
		ID:                  pendingID,
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.config.PendingAuthorizationTTL),
	}
	if err := e.codes.PutPendingAuthorization(ctx, pending); err != nil {
		return nil, upstream("store pending authorization", err)
	}
	name := client.Name
	if strings.TrimSpace(name) == "" {
		name = client.ID
	}
	return &PendingAuthorization{PendingAuthorization: pending, ClientName: name}, nil
}

// validateScopes requires at least one scope, each active in the catalog and
// allowed for the client.
func (e *Engine) validateScopes(ctx context.Context, client storage.Client, requested scope.Set) ([]string, error) {
	if len(requested) == 0 {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidScope, "scope is required", "no scopes requested")
	}
	codes := requested.Sorted()
	if len(client.AllowedScopes) > 0 {
		allowed := scope.New(client.AllowedScopes...)
		if !allowed.Covers(requested) {
			return nil, protocolError(apperrors.CodeValidation, ErrorInvalidScope, "requested scope is not allowed", "scope not allowed for client")
		}
	}
	catalog, err := e.clients.GetScopes(ctx, codes)
	if err != nil {
		return nil, upstream("load scopes", err)
	}
	active := scope.New()
	for _, entry := range catalog {
		if entry.IsActive {
			active[entry.Code] = struct{}{}
		}
	}
	if !active.Covers(requested) {
		return nil, protocolError(apperrors.CodeValidation, ErrorInvalidScope, "requested scope is invalid", "unknown or inactive scope")
	}
	return codes, nil
}

// AttachUser binds an authenticated user to a pending authorization. When
// the user already consented to every requested scope the code is issued
// without prompting. Otherwise the decision carries a single-use consent
// token that Approve requires; only its hash is stored.
func (e *Engine) AttachUser(ctx context.Context, pendingID, userID string) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.AttachUser")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	pending, err := e.loadPending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	if pending.UserID != "" && pending.UserID != userID {
		return nil, apperrors.New(apperrors.CodeUnauthenticated, "pending authorization belongs to another user")
	}
	pending.UserID = userID
	covered, err := e.consent.Covers(ctx, userID, pending.ClientID, pending.Scopes)
	if err != nil {
		return nil, upstream("check consent", err)
	}
	if !covered {
		consentToken, err := secret.GenerateToken(consentTokenByteLength)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate consent token", err)
		}
		pending.ConsentTokenHash = e.hasher.HashToken(consentToken)
		if err := e.codes.PutPendingAuthorization(ctx, pending); err != nil {
			return nil, upstream("bind user", err)
		}
		return &Decision{
			ConsentRequired: true,
			PendingID:       pending.ID,
			ClientID:        pending.ClientID,
			ClientName:      e.ClientName(ctx, pending.ClientID),
			Scopes:          pending.Scopes,
			ConsentToken:    consentToken,
		}, nil
	}
	redirectURL, err := e.issueCode(ctx, pending)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("silent consent", zap.String("client_id", pending.ClientID), zap.String("user_id", userID))
	return &Decision{PendingID: pending.ID, ClientID: pending.ClientID, Scopes: pending.Scopes, RedirectURL: redirectURL}, nil
}

// Approve records the consent decision of the user bound by AttachUser.
// consentToken must be the token AttachUser returned; it is the only proof
// of who is deciding. Denial before any user is bound needs no token and
// redirects with access_denied.
func (e *Engine) Approve(ctx context.Context, pendingID, consentToken string, allow bool) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.Approve")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	pending, err := e.loadPending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	bound := pending.UserID != ""
	if allow && !bound {
		return nil, apperrors.New(apperrors.CodeUnauthenticated, "pending authorization has no authenticated user")
	}
	if bound {
		consentToken = strings.TrimSpace(consentToken)
		if consentToken == "" || pending.ConsentTokenHash == "" || !e.hasher.VerifyToken(consentToken, pending.ConsentTokenHash) {
			return nil, apperrors.New(apperrors.CodeUnauthenticated, "consent token does not match")
		}
	}

	if !allow {
		if err := e.codes.DeletePendingAuthorization(ctx, pending.ID); err != nil && !apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, upstream("delete pending authorization", err)
		}
		denied := protocolError(apperrors.CodePolicyDenied, ErrorAccessDenied, "the user denied the request", "consent denied")
		return &Decision{
			PendingID:   pending.ID,
			ClientID:    pending.ClientID,
			Scopes:      pending.Scopes,
			RedirectURL: errorRedirect(pending.RedirectURI, denied, pending.State),
		}, nil
	}

	if _, err := e.consent.Grant(ctx, pending.UserID, pending.ClientID, pending.Scopes); err != nil {
		return nil, upstream("grant consent", err)
	}
	redirectURL, err := e.issueCode(ctx, pending)
	if err != nil {
		return nil, err
	}
	return &Decision{PendingID: pending.ID, ClientID: pending.ClientID, Scopes: pending.Scopes, RedirectURL: redirectURL}, nil
}

// AuthorizeForUser runs Authorize and AttachUser for a user who is already
// authenticated.
func (e *Engine) AuthorizeForUser(ctx context.Context, req AuthorizationRequest, userID string) (*Decision, error) {
	pending, err := e.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.AttachUser(ctx, pending.ID, userID)
}

// Pending returns a live pending authorization.
func (e *Engine) Pending(ctx context.Context, pendingID string) (*PendingAuthorization, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	pending, err := e.loadPending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	return &PendingAuthorization{PendingAuthorization: pending, ClientName: e.ClientName(ctx, pending.ClientID)}, nil
}

func (e *Engine) loadPending(ctx context.Context, pendingID string) (storage.PendingAuthorization, error) {
	pendingID = strings.TrimSpace(pendingID)
	if pendingID == "" {
		return storage.PendingAuthorization{}, apperrors.New(apperrors.CodeValidation, "pending id is required")
	}
	pending, err := e.codes.GetPendingAuthorization(ctx, pendingID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return storage.PendingAuthorization{}, apperrors.New(apperrors.CodeNotFound, "pending authorization not found")
		}
		return storage.PendingAuthorization{}, upstream("load pending authorization", err)
	}
	if !e.now().Before(pending.ExpiresAt) {
		return storage.PendingAuthorization{}, apperrors.New(apperrors.CodeExpired, "pending authorization expired")
	}
	return pending, nil
}

// issueCode stores a fresh code for pending and returns the client redirect.
// The pending authorization is deleted so it cannot mint a second code.
func (e *Engine) issueCode(ctx context.Context, pending storage.PendingAuthorization) (string, error) {
	if err := e.codes.DeletePendingAuthorization(ctx, pending.ID); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return "", apperrors.New(apperrors.CodeNotFound, "pending authorization already used")
		}
		return "", upstream("delete pending authorization", err)
	}
	code, err := secret.GenerateToken(codeByteLength)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "generate code", err)
	}
	codeID, err := e.idGenerator()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "generate code id", err)
	}
	familyID, err := e.idGenerator()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "generate family id", err)
	}
	now := e.now()
	record := storage.AuthorizationCode{
		ID:                  codeID,
		CodeHash:            e.hasher.HashToken(code),
		ClientID:            pending.ClientID,
		UserID:              pending.UserID,
		RedirectURI:         pending.RedirectURI,
		Scopes:              pending.Scopes,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		FamilyID:            familyID,
		ExpiresAt:           now.Add(e.config.AuthorizationCodeTTL),
		CreatedAt:           now,
	}
	if err := e.codes.PutAuthorizationCode(ctx, record); err != nil {
		return "", upstream("store authorization code", err)
	}

	values := url.Values{}
	values.Set("code", code)
	if pending.State != "" {
		values.Set("state", pending.State)
	}
	return appendQuery(pending.RedirectURI, values), nil
}

// errorRedirect builds an RFC 6749 section 4.1.2.1 error redirect.
func errorRedirect(redirectURI string, err error, state string) string {
	values := url.Values{}
	values.Set("error", ErrorCode(err))
	if description := ErrorDescription(err); description != "" {
		values.Set("error_description", description)
	}
	if state != "" {
		values.Set("state", state)
	}
	return appendQuery(redirectURI, values)
}

func appendQuery(rawURL string, values url.Values) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	for key, items := range values {
		for _, item := range items {
			query.Add(key, item)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
