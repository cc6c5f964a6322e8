package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/louisbranch/gatehouse/internal/services/auth/apikey"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/ippolicy"
	"github.com/louisbranch/gatehouse/internal/services/auth/oauth"
	"github.com/louisbranch/gatehouse/internal/services/auth/passkey"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
	"github.com/louisbranch/gatehouse/internal/services/auth/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OAuthEngine runs the authorization code flow.
type OAuthEngine interface {
	Config() oauth.Config
	Authorize(ctx context.Context, req oauth.AuthorizationRequest) (*oauth.PendingAuthorization, error)
	Pending(ctx context.Context, pendingID string) (*oauth.PendingAuthorization, error)
	AttachUser(ctx context.Context, pendingID, userID string) (*oauth.Decision, error)
	Approve(ctx context.Context, pendingID, consentToken string, allow bool) (*oauth.Decision, error)
	Token(ctx context.Context, req oauth.TokenRequest) (*oauth.TokenSet, error)
	Revoke(ctx context.Context, req oauth.RevocationRequest) error
	Introspect(ctx context.Context, token string) (*oauth.Introspection, error)
}

// PasskeyEngine runs WebAuthn ceremonies.
type PasskeyEngine interface {
	StartRegistration(ctx context.Context, userID, deviceName string) (*passkey.Challenge, error)
	FinishRegistration(ctx context.Context, req passkey.FinishRegistrationRequest) (*storage.WebAuthnCredential, error)
	StartAuthentication(ctx context.Context, email, pendingAuthorizationID string) (*passkey.Challenge, error)
	FinishAuthentication(ctx context.Context, req passkey.FinishAuthenticationRequest) (*passkey.AuthenticationResult, error)
	ListCredentials(ctx context.Context, userID string) ([]storage.WebAuthnCredential, error)
	RevokeCredential(ctx context.Context, userID string, credentialID []byte) error
}

// Users authenticates and administers accounts.
type Users interface {
	Authenticate(ctx context.Context, email, password string) (user.User, error)
	Create(ctx context.Context, input user.CreateUserInput) (user.User, error)
	Deactivate(ctx context.Context, userID string) error
}

// Policy decides whether an address may proceed.
type Policy interface {
	Decide(ctx context.Context, ip string, appID string) (ippolicy.Decision, error)
}

// IPRules administers IP rules.
type IPRules interface {
	AddRule(ctx context.Context, input ippolicy.AddRuleInput) (storage.IPRule, error)
	RemoveRule(ctx context.Context, ruleID string) error
	ListRules(ctx context.Context, appID string) ([]storage.IPRule, error)
}

// APIKeys verifies and administers API keys.
type APIKeys interface {
	Verify(ctx context.Context, presented string) (*storage.APIKey, error)
	Create(ctx context.Context, ownerID, name string, scopes []string) (*apikey.Created, error)
	Rotate(ctx context.Context, keyID string) (*apikey.Created, error)
	Revoke(ctx context.Context, keyID string) error
}

// Webhooks administers webhook subscriptions.
type Webhooks interface {
	Create(ctx context.Context, ownerID, target string, events []string) (*webhook.Created, error)
	RotateSecret(ctx context.Context, webhookID string) (string, error)
}

// Consents revokes user grants.
type Consents interface {
	Revoke(ctx context.Context, userID, clientID string) error
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	OAuth    OAuthEngine
	Passkeys PasskeyEngine
	Users    Users
	Policy   Policy
	IPRules  IPRules
	APIKeys  APIKeys
	Webhooks Webhooks
	Consents Consents
}

// Server routes HTTP requests to the identity services.
type Server struct {
	config   Config
	deps     Deps
	audit    audit.Sink
	logger   *zap.Logger
	limiter  *ipLimiter
	requests *prometheus.CounterVec
	gatherer prometheus.Gatherer
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.Named("http")
		}
	}
}

// WithAudit sets the security event sink.
func WithAudit(sink audit.Sink) Option {
	return func(s *Server) {
		s.audit = audit.OrDiscard(sink)
	}
}

// WithMetrics registers request counters with registry and serves it on
// /metrics.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(s *Server) {
		if registry != nil {
			s.gatherer = registry
			if err := registry.Register(s.requests); err != nil {
				var already prometheus.AlreadyRegisteredError
				if errors.As(err, &already) {
					if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
						s.requests = existing
					}
				}
			}
		}
	}
}

// NewServer builds a Server. OAuth, Users and Policy are required.
func NewServer(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.OAuth == nil || deps.Users == nil || deps.Policy == nil {
		return nil, errors.New("oauth engine, users and policy are required")
	}
	cfg = cfg.normalized()
	s := &Server{
		config:  cfg,
		deps:    deps,
		audit:   audit.Discard(),
		logger:  zap.NewNop(),
		limiter: newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes returns the router with every endpoint registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(s.clientIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.ipPolicy)
		r.Use(s.rateLimit)

		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		r.Get("/.well-known/oauth-authorization-server", oauth.MetadataHandler(s.deps.OAuth.Config()))

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/authorize", s.handleAuthorize)
			r.Post("/login", s.handleLogin)
			r.Post("/consent", s.handleConsent)
			r.Post("/token", s.handleToken)
			r.Post("/revoke", s.handleRevoke)
			r.With(s.requireAPIKey(introspectScope)).Post("/introspect", s.handleIntrospect)
		})

		if s.deps.Passkeys != nil {
			r.Route("/webauthn", func(r chi.Router) {
				r.Post("/register/start", s.handleRegisterStart)
				r.Post("/register/finish", s.handleRegisterFinish)
				r.Post("/authenticate/start", s.handleAuthenticateStart)
				r.Post("/authenticate/finish", s.handleAuthenticateFinish)
			})
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAPIKey(adminScope))
			s.adminRoutes(r)
		})
	})
	return r
}
