package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/id"
	platformotel "github.com/louisbranch/gatehouse/internal/platform/otel"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/scope"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Token endpoint client authentication methods.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	defaultCleanupBatchInterval = time.Minute
)

// Stores groups the persistence the engine needs.
type Stores struct {
	Clients        storage.ClientStore
	Authorizations storage.AuthorizationStore
	Tokens         storage.TokenStore
}

// TokenHasher hashes high-entropy secrets for storage and lookup.
type TokenHasher interface {
	HashToken(token string) string
	VerifyToken(token, hash string) bool
}

// ConsentLedger answers and records consent.
type ConsentLedger interface {
	Covers(ctx context.Context, userID, clientID string, requested []string) (bool, error)
	Grant(ctx context.Context, userID, clientID string, scopes []string) (scope.Set, error)
}

// ExpiredChallengeDeleter purges ceremony challenges during cleanup.
type ExpiredChallengeDeleter interface {
	DeleteExpiredWebAuthnChallenges(ctx context.Context, now time.Time) error
}

// Engine runs the authorization code flow.
type Engine struct {
	config      Config
	clients     storage.ClientStore
	codes       storage.AuthorizationStore
	tokens      storage.TokenStore
	hasher      TokenHasher
	consent     ConsentLedger
	challenges  ExpiredChallengeDeleter
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
			e.logger = logger.Named("oauth")
		}
	}
}

// WithAudit sets the security event sink.
func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) { e.audit = audit.OrDiscard(sink) }
}

// WithChallengeCleanup adds ceremony challenges to Cleanup.
func WithChallengeCleanup(challenges ExpiredChallengeDeleter) Option {
	return func(e *Engine) { e.challenges = challenges }
}

// NewEngine builds an engine. The signing key must be at least
// MinSigningKeyLength bytes.
func NewEngine(cfg Config, stores Stores, hasher TokenHasher, ledger ConsentLedger, opts ...Option) (*Engine, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("oauth signing key must be at least %d bytes", MinSigningKeyLength)
	}
	if stores.Clients == nil || stores.Authorizations == nil || stores.Tokens == nil {
		return nil, fmt.Errorf("oauth stores are required")
	}
	if hasher == nil || ledger == nil {
		return nil, fmt.Errorf("oauth hasher and consent ledger are required")
	}
	e := &Engine{
		config:      cfg.normalized(),
		clients:     stores.Clients,
		codes:       stores.Authorizations,
		tokens:      stores.Tokens,
		hasher:      hasher,
		consent:     ledger,
		audit:       audit.Discard(),
		logger:      zap.NewNop(),
		tracer:      platformotel.Tracer("oauth"),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// bounded caps one engine operation's storage work.
func bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeouts.Storage)
}

// authenticateClient loads clientID and checks its token endpoint
// credentials.
func (e *Engine) authenticateClient(ctx context.Context, clientID, clientSecret string) (storage.Client, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return storage.Client{}, protocolError(apperrors.CodeUnauthenticated, ErrorInvalidClient, "client authentication failed", "missing client id")
	}
	client, err := e.clients.GetClient(ctx, clientID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return storage.Client{}, protocolError(apperrors.CodeUnauthenticated, ErrorInvalidClient, "client authentication failed", "unknown client")
		}
		return storage.Client{}, upstream("load client", err)
	}
	switch clientAuthMethod(client) {
	case AuthMethodNone:
		return client, nil
	case AuthMethodClientSecretPost:
		if clientSecret == "" || client.SecretHash == "" || !e.hasher.VerifyToken(clientSecret, client.SecretHash) {
			return storage.Client{}, protocolError(apperrors.CodeUnauthenticated, ErrorInvalidClient, "client authentication failed", "client secret mismatch")
		}
		return client, nil
	default:
		return storage.Client{}, protocolError(apperrors.CodeUnauthenticated, ErrorInvalidClient, "client authentication failed", "unsupported client auth method")
	}
}

func clientAuthMethod(client storage.Client) string {
	method := strings.TrimSpace(client.TokenEndpointAuthMethod)
	if method != "" {
		return method
	}
	if client.SecretHash != "" {
		return AuthMethodClientSecretPost
	}
	return AuthMethodNone
}

// ClientName returns a display name for clientID, or the id itself.
func (e *Engine) ClientName(ctx context.Context, clientID string) string {
	client, err := e.clients.GetClient(ctx, clientID)
	if err != nil || strings.TrimSpace(client.Name) == "" {
		return clientID
	}
	return client.Name
}

// Cleanup purges expired transient records. Consumed codes are kept for
// CodeRetention past expiry.
func (e *Engine) Cleanup(ctx context.Context) error {
	now := e.now()
	if err := e.codes.DeleteAuthorizationCodesExpiredBefore(ctx, now.Add(-e.config.CodeRetention)); err != nil {
		return err
	}
	if err := e.codes.DeleteExpiredPendingAuthorizations(ctx, now); err != nil {
		return err
	}
	if err := e.tokens.DeleteTokensExpiredBefore(ctx, now); err != nil {
		return err
	}
	if e.challenges != nil {
		if err := e.challenges.DeleteExpiredWebAuthnChallenges(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (e *Engine) StartCleanup(ctx context.Context, interval time.Duration) {
	if e == nil {
		return
	}
	if interval <= 0 {
		interval = defaultCleanupBatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := bounded(ctx)
			if err := e.Cleanup(runCtx); err != nil {
				e.logger.Warn("cleanup expired oauth records", zap.Error(err))
			}
			cancel()
		}
	}
}
