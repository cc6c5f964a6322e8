package passkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/id"
	platformotel "github.com/louisbranch/gatehouse/internal/platform/otel"
	"github.com/louisbranch/gatehouse/internal/platform/requestctx"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/ippolicy"
	"github.com/louisbranch/gatehouse/internal/services/auth/oauth"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const challengeIDBytes = 32

// Users resolves accounts for ceremonies.
type Users interface {
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// PendingAuthorizer hands an authenticated user back to an OAuth
// authorization that is waiting for login.
type PendingAuthorizer interface {
	Pending(ctx context.Context, pendingID string) (*oauth.PendingAuthorization, error)
	AttachUser(ctx context.Context, pendingID, userID string) (*oauth.Decision, error)
}

// TokenIssuer mints a token family for a user who signed in without a
// pending authorization.
type TokenIssuer interface {
	IssueForUser(ctx context.Context, clientID, userID string, scopes []string) (*oauth.TokenSet, error)
}

// PolicyGate applies app-scoped IP rules.
type PolicyGate interface {
	Decide(ctx context.Context, ip, appID string) (ippolicy.Decision, error)
}

// Deps groups the engine's collaborators.
type Deps struct {
	Users       Users
	Credentials storage.CredentialStore
	Challenges  storage.ChallengeStore
	Provider    Provider
	Parser      Parser
}

// Challenge is a started ceremony. Options is the JSON-encodable
// PublicKeyCredentialCreationOptions or RequestOptions for the browser.
type Challenge struct {
	ID        string    `json:"challenge_id"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
	Options   any       `json:"options"`
}

// Engine runs WebAuthn ceremonies.
type Engine struct {
	config      Config
	users       Users
	credentials storage.CredentialStore
	challenges  storage.ChallengeStore
	provider    Provider
	parser      Parser
	authorizer  PendingAuthorizer
	issuer      TokenIssuer
	policy      PolicyGate
	audit       audit.Sink
	logger      *zap.Logger
	tracer      trace.Tracer
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.Named("passkey")
		}
	}
}

// WithAudit sets the security event sink.
func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) { e.audit = audit.OrDiscard(sink) }
}

// WithAuthorizer lets authentication complete a pending OAuth authorization.
func WithAuthorizer(authorizer PendingAuthorizer) Option {
	return func(e *Engine) { e.authorizer = authorizer }
}

// WithTokenIssuer issues tokens for the configured first-party client when
// authentication is not bound to a pending authorization.
func WithTokenIssuer(issuer TokenIssuer) Option {
	return func(e *Engine) { e.issuer = issuer }
}

// WithPolicy checks the client's rules when a ceremony is bound to an OAuth
// client.
func WithPolicy(policy PolicyGate) Option {
	return func(e *Engine) { e.policy = policy }
}

// NewEngine builds a ceremony engine. A nil parser uses DefaultParser.
func NewEngine(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Users == nil || deps.Credentials == nil || deps.Challenges == nil {
		return nil, fmt.Errorf("passkey stores are required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("passkey provider is required")
	}
	parser := deps.Parser
	if parser == nil {
		parser = DefaultParser{}
	}
	e := &Engine{
		config:      cfg.normalized(),
		users:       deps.Users,
		credentials: deps.Credentials,
		challenges:  deps.Challenges,
		provider:    deps.Provider,
		parser:      parser,
		audit:       audit.Discard(),
		logger:      zap.NewNop(),
		tracer:      platformotel.Tracer("passkey"),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeouts.Storage)
}

// loadUser returns an active account with its active passkeys.
func (e *Engine) loadUser(ctx context.Context, userID string) (*webUser, error) {
	account, err := e.users.GetUser(ctx, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "load user", err)
	}
	return e.withCredentials(ctx, account)
}

func (e *Engine) withCredentials(ctx context.Context, account user.User) (*webUser, error) {
	if !account.IsActive {
		return nil, apperrors.New(apperrors.CodeUnauthenticated, "user is inactive")
	}
	stored, err := e.credentials.ListWebAuthnCredentials(ctx, account.ID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "list credentials", err)
	}
	return newWebUser(account, stored), nil
}

// saveChallenge persists session as a single-use challenge.
func (e *Engine) saveChallenge(ctx context.Context, kind storage.ChallengeType, userID, deviceName, pendingID string, session *webauthn.SessionData, options any) (*Challenge, error) {
	if session == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "webauthn session is missing")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "encode webauthn session", err)
	}
	challengeID, err := secret.GenerateToken(challengeIDBytes)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate challenge id", err)
	}
	now := e.now()
	record := storage.WebAuthnChallenge{
		ID:                     challengeID,
		UserID:                 userID,
		Challenge:              session.Challenge,
		Type:                   kind,
		SessionJSON:            payload,
		DeviceName:             deviceName,
		PendingAuthorizationID: pendingID,
		ExpiresAt:              now.Add(e.config.ChallengeTTL),
		CreatedAt:              now,
	}
	if err := e.challenges.PutWebAuthnChallenge(ctx, record); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "store challenge", err)
	}
	return &Challenge{ID: challengeID, Type: string(kind), ExpiresAt: record.ExpiresAt, Options: options}, nil
}

// consumeChallenge removes the challenge before anything else is checked so
// it is spent whether or not the ceremony succeeds.
func (e *Engine) consumeChallenge(ctx context.Context, challengeID string, kind storage.ChallengeType) (storage.WebAuthnChallenge, webauthn.SessionData, error) {
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return storage.WebAuthnChallenge{}, webauthn.SessionData{}, apperrors.New(apperrors.CodeValidation, "challenge id is required")
	}
	record, err := e.challenges.ConsumeWebAuthnChallenge(ctx, challengeID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return storage.WebAuthnChallenge{}, webauthn.SessionData{}, apperrors.New(apperrors.CodeNotFound, "challenge not found")
		}
		return storage.WebAuthnChallenge{}, webauthn.SessionData{}, apperrors.Wrap(apperrors.CodeUpstream, "consume challenge", err)
	}
	switch record.Type {
	case kind:
	case storage.ChallengeRegistration, storage.ChallengeAuthentication:
		return storage.WebAuthnChallenge{}, webauthn.SessionData{}, apperrors.New(apperrors.CodeValidation, "challenge belongs to another ceremony")
	default:
		return storage.WebAuthnChallenge{}, webauthn.SessionData{}, apperrors.New(apperrors.CodeValidation, "unknown challenge type")
	}
	if !e.now().Before(record.ExpiresAt) {
		return storage.WebAuthnChallenge{}, webauthn.SessionData{}, apperrors.New(apperrors.CodeExpired, "challenge expired")
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(record.SessionJSON, &session); err != nil {
		return storage.WebAuthnChallenge{}, webauthn.SessionData{}, apperrors.Wrap(apperrors.CodeUnknown, "decode webauthn session", err)
	}
	return record, session, nil
}

// checkPolicy applies app-scoped IP rules for the client behind pendingID,
// or for the first-party client when there is no pending authorization and
// the sign-in would issue tokens.
func (e *Engine) checkPolicy(ctx context.Context, pendingID string) error {
	if e.policy == nil {
		return nil
	}
	var clientID string
	switch {
	case pendingID != "" && e.authorizer != nil:
		pending, err := e.authorizer.Pending(ctx, pendingID)
		if err != nil {
			return err
		}
		clientID = pending.ClientID
	case pendingID == "" && e.issuer != nil:
		clientID = e.config.ClientID
	default:
		return nil
	}
	return e.checkClient(ctx, clientID)
}

func (e *Engine) checkClient(ctx context.Context, clientID string) error {
	ip := requestctx.ClientIPFromContext(ctx)
	if ip == "" {
		return nil
	}
	decision, err := e.policy.Decide(ctx, ip, clientID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		e.audit.Record(ctx, audit.Event{
			Kind:     audit.KindIPDenied,
			Severity: audit.SeverityWarning,
			ClientID: clientID,
			IP:       ip,
			Detail:   decision.Reason,
		})
		return apperrors.New(apperrors.CodePolicyDenied, "request denied by ip policy")
	}
	return nil
}
