package passkey

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/oauth"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
	"go.uber.org/zap"
)

// FinishAuthenticationRequest completes an authentication ceremony.
type FinishAuthenticationRequest struct {
	ChallengeID string
	Response    []byte
}

// AuthenticationResult is a verified assertion. Decision is set when the
// challenge was bound to a pending OAuth authorization; otherwise Tokens
// holds the first-party token family when an issuer is configured.
type AuthenticationResult struct {
	UserID       string
	CredentialID string
	Decision     *oauth.Decision
	Tokens       *oauth.TokenSet
}

// StartAuthentication begins a login. A known email scopes the ceremony to
// that account's passkeys; otherwise the authenticator picks a discoverable
// credential. Unknown emails fall back to the discoverable flow so the
// response does not reveal which accounts exist.
func (e *Engine) StartAuthentication(ctx context.Context, email, pendingAuthorizationID string) (*Challenge, error) {
	ctx, span := e.tracer.Start(ctx, "passkey.StartAuthentication")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	pendingAuthorizationID = strings.TrimSpace(pendingAuthorizationID)
	if err := e.checkPolicy(ctx, pendingAuthorizationID); err != nil {
		return nil, err
	}

	account, err := e.lookupByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		userID    string
	)
	if account != nil {
		userID = account.account.ID
		assertion, session, err = e.provider.BeginLogin(account)
	} else {
		assertion, session, err = e.provider.BeginDiscoverableLogin()
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "begin login", err)
	}
	return e.saveChallenge(ctx, storage.ChallengeAuthentication, userID, "", pendingAuthorizationID, session, assertion)
}

// lookupByEmail returns the account for email when it can log in with a
// passkey, or nil.
func (e *Engine) lookupByEmail(ctx context.Context, email string) (*webUser, error) {
	if strings.TrimSpace(email) == "" {
		return nil, nil
	}
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	account, err := e.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "load user", err)
	}
	if !account.IsActive {
		return nil, nil
	}
	loaded, err := e.withCredentials(ctx, account)
	if err != nil {
		return nil, err
	}
	if len(loaded.credentials) == 0 {
		return nil, nil
	}
	return loaded, nil
}

// FinishAuthentication verifies an assertion and advances the credential's
// signature counter. A counter that does not move forward is rejected as a
// replay and the credential is flagged as possibly cloned.
func (e *Engine) FinishAuthentication(ctx context.Context, req FinishAuthenticationRequest) (*AuthenticationResult, error) {
	ctx, span := e.tracer.Start(ctx, "passkey.FinishAuthentication")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	challenge, session, err := e.consumeChallenge(ctx, req.ChallengeID, storage.ChallengeAuthentication)
	if err != nil {
		return nil, err
	}
	if len(req.Response) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "assertion response is required")
	}
	if err := e.checkPolicy(ctx, challenge.PendingAuthorizationID); err != nil {
		return nil, err
	}
	parsed, err := e.parser.ParseCredentialRequestResponseBytes(req.Response)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "parse assertion response", err)
	}

	var (
		account    *webUser
		credential *webauthn.Credential
	)
	if challenge.UserID != "" {
		account, err = e.loadUser(ctx, challenge.UserID)
		if err != nil {
			return nil, e.loginFailed(ctx, challenge.UserID, err)
		}
		credential, err = e.provider.ValidateLogin(account, session, parsed)
	} else {
		var validated webauthn.User
		validated, credential, err = e.provider.ValidatePasskeyLogin(e.discoverableUser(ctx), session, parsed)
		if err == nil {
			typed, ok := validated.(*webUser)
			if !ok {
				return nil, apperrors.New(apperrors.CodeUnknown, "unexpected webauthn user type")
			}
			account = typed
		}
	}
	if err != nil {
		return nil, e.loginFailed(ctx, challenge.UserID, apperrors.Wrap(apperrors.CodeUnauthenticated, "assertion verification failed", err))
	}

	stored, err := e.credentials.GetWebAuthnCredential(ctx, credential.ID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, e.loginFailed(ctx, account.account.ID, apperrors.New(apperrors.CodeUnauthenticated, "credential not registered"))
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "load credential", err)
	}
	if !stored.IsActive || stored.UserID != account.account.ID {
		return nil, e.loginFailed(ctx, account.account.ID, apperrors.New(apperrors.CodeUnauthenticated, "credential not usable for this account"))
	}

	counter := parsed.Response.AuthenticatorData.Counter
	advanced, err := e.credentials.TryAdvanceCounter(ctx, stored.CredentialID, counter, e.now())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "advance counter", err)
	}
	credentialID := EncodeCredentialID(stored.CredentialID)
	if !advanced {
		if err := e.credentials.FlagCloneWarning(ctx, stored.CredentialID); err != nil {
			e.logger.Error("flag clone warning", zap.String("credential_id", credentialID), zap.Error(err))
		}
		e.audit.Record(ctx, audit.Event{
			Kind:         audit.KindCounterRegression,
			Severity:     audit.SeverityCritical,
			UserID:       stored.UserID,
			CredentialID: credentialID,
			Detail:       "signature counter did not increase",
		})
		e.logger.Warn("signature counter regression",
			zap.String("event", string(audit.KindCounterRegression)),
			zap.String("credential_id", credentialID),
			zap.Uint32("presented", counter),
			zap.Uint32("stored", stored.Counter),
		)
		return nil, apperrors.New(apperrors.CodeReplay, "signature counter did not increase")
	}

	result := &AuthenticationResult{UserID: account.account.ID, CredentialID: credentialID}
	if challenge.PendingAuthorizationID != "" && e.authorizer != nil {
		decision, err := e.authorizer.AttachUser(ctx, challenge.PendingAuthorizationID, result.UserID)
		if err != nil {
			return nil, err
		}
		result.Decision = decision
		return result, nil
	}
	if challenge.PendingAuthorizationID == "" && e.issuer != nil {
		tokens, err := e.issuer.IssueForUser(ctx, e.config.ClientID, result.UserID, e.config.Scopes)
		if err != nil {
			return nil, err
		}
		result.Tokens = tokens
	}
	return result, nil
}

// discoverableUser resolves the account named by an assertion's user handle.
func (e *Engine) discoverableUser(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := strings.TrimSpace(string(userHandle))
		if userID == "" {
			return nil, apperrors.New(apperrors.CodeValidation, "user handle is required")
		}
		return e.loadUser(ctx, userID)
	}
}

func (e *Engine) loginFailed(ctx context.Context, userID string, err error) error {
	e.audit.Record(ctx, audit.Event{
		Kind:     audit.KindLoginFailed,
		Severity: audit.SeverityWarning,
		UserID:   userID,
		Detail:   "passkey",
	})
	return err
}

// EncodeCredentialID renders a raw credential id as base64url.
func EncodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCredentialID parses a base64url credential id.
func DecodeCredentialID(value string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(value), "="))
	if err != nil || len(raw) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "credential id is malformed")
	}
	return raw, nil
}
