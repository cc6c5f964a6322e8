package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
	httpapi "github.com/louisbranch/gatehouse/internal/services/auth/api/http"
	"github.com/louisbranch/gatehouse/internal/services/auth/apikey"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/consent"
	"github.com/louisbranch/gatehouse/internal/services/auth/ippolicy"
	"github.com/louisbranch/gatehouse/internal/services/auth/oauth"
	"github.com/louisbranch/gatehouse/internal/services/auth/passkey"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	redisstore "github.com/louisbranch/gatehouse/internal/services/auth/storage/redis"
	authsqlite "github.com/louisbranch/gatehouse/internal/services/auth/storage/sqlite"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
	"github.com/louisbranch/gatehouse/internal/services/auth/webhook"
)

// Server hosts the identity provider.
type Server struct {
	config          Config
	logger          *zap.Logger
	store           *authsqlite.Store
	redis           *redisstore.ChallengeStore
	httpListener    net.Listener
	httpServer      *http.Server
	oauth           *oauth.Engine
	cleanupInterval time.Duration
	worker          *webhook.Worker
}

// challengeStore is what both the passkey engine and the OAuth cleanup loop
// need from the ceremony challenge backend.
type challengeStore interface {
	storage.ChallengeStore
	oauth.ExpiredChallengeDeleter
}

// New opens storage, assembles every component and binds the HTTP listener.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := secret.NewCodec([]byte(cfg.Pepper))
	if err != nil {
		return nil, fmt.Errorf("GATEHOUSE_PEPPER: %w", err)
	}
	store, err := openAuthStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	srv := &Server{config: cfg, logger: logger, store: store}
	if err := srv.assemble(ctx, codec); err != nil {
		srv.close()
		return nil, err
	}
	return srv, nil
}

func (s *Server) assemble(ctx context.Context, codec *secret.Codec) error {
	var challenges challengeStore = s.store
	if url := strings.TrimSpace(s.config.RedisURL); url != "" {
		redis, err := redisstore.NewChallengeStore(ctx, url, redisstore.DefaultKeyPrefix)
		if err != nil {
			return fmt.Errorf("connect challenge store: %w", err)
		}
		s.redis = redis
		challenges = redis
	}

	registry := prometheus.NewRegistry()
	recorder, err := audit.NewRecorder(s.logger.Named("audit"), registry)
	if err != nil {
		return fmt.Errorf("audit recorder: %w", err)
	}
	webhooks := webhook.NewManager(s.store, codec, s.logger.Named("webhook"))
	sink := audit.Fanout(recorder, webhook.NewAuditForwarder(webhooks, s.logger.Named("webhook")))

	oauthConfig, err := oauth.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(os.Getenv("GATEHOUSE_OAUTH_ISSUER")) == "" {
		if issuer := defaultOAuthIssuer(s.config.HTTPAddr); issuer != "" {
			oauthConfig.Issuer = issuer
		}
	}
	if err := oauth.Bootstrap(ctx, s.store, codec, oauthConfig, time.Now().UTC()); err != nil {
		return fmt.Errorf("bootstrap oauth clients: %w", err)
	}
	ledger := consent.NewLedger(s.store, s.store, sink)
	engine, err := oauth.NewEngine(oauthConfig, oauth.Stores{
		Clients:        s.store,
		Authorizations: s.store,
		Tokens:         s.store,
	}, codec, ledger,
		oauth.WithLogger(s.logger.Named("oauth")),
		oauth.WithAudit(sink),
		oauth.WithChallengeCleanup(challenges),
	)
	if err != nil {
		return fmt.Errorf("oauth engine: %w", err)
	}
	s.oauth = engine
	s.cleanupInterval = oauthConfig.CleanupInterval

	users := user.NewService(s.store, sink, s.logger.Named("user"))
	if err := bootstrapAdmin(ctx, users, s.config.BootstrapAdminEmail, s.config.BootstrapAdminPassword); err != nil {
		return err
	}

	evaluator := ippolicy.NewEvaluator(s.store)
	passkeyConfig := passkey.LoadConfigFromEnv()
	if err := oauth.RegisterFirstPartyClient(ctx, s.store, passkeyConfig.ClientID, "Gatehouse", time.Now().UTC()); err != nil {
		return err
	}
	relyingParty, err := passkey.NewWebAuthn(passkeyConfig)
	if err != nil {
		return fmt.Errorf("webauthn relying party: %w", err)
	}
	passkeys, err := passkey.NewEngine(passkeyConfig, passkey.Deps{
		Users:       s.store,
		Credentials: s.store,
		Challenges:  challenges,
		Provider:    relyingParty,
	},
		passkey.WithLogger(s.logger.Named("passkey")),
		passkey.WithAudit(sink),
		passkey.WithAuthorizer(engine),
		passkey.WithTokenIssuer(engine),
		passkey.WithPolicy(evaluator),
	)
	if err != nil {
		return fmt.Errorf("passkey engine: %w", err)
	}

	webhookConfig := webhook.LoadConfigFromEnv()
	dispatcher := webhook.NewDispatcher(s.store, codec, webhookConfig, webhook.WithDispatcherLogger(s.logger.Named("webhook")))
	worker, err := webhook.NewWorker(s.store, dispatcher, webhookConfig, s.logger.Named("webhook"))
	if err != nil {
		return fmt.Errorf("webhook worker: %w", err)
	}
	s.worker = worker

	api, err := httpapi.NewServer(httpapi.LoadConfigFromEnv(), httpapi.Deps{
		OAuth:    engine,
		Passkeys: passkeys,
		Users:    users,
		Policy:   evaluator,
		IPRules:  ippolicy.NewService(s.store, s.logger.Named("ippolicy")),
		APIKeys:  apikey.NewManager(s.store, codec, sink, s.logger.Named("apikey")),
		Webhooks: webhooks,
		Consents: ledger,
	},
		httpapi.WithLogger(s.logger.Named("http")),
		httpapi.WithAudit(sink),
		httpapi.WithMetrics(registry),
	)
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	listener, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", s.config.HTTPAddr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           api.Routes(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Run creates and serves the identity provider until the context ends.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	srv, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve runs the HTTP server, the OAuth cleanup loop and the webhook worker
// until ctx ends or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	defer s.close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("gatehouse listening", zap.String("addr", s.Addr()))
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = timeouts.Shutdown
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		s.oauth.StartCleanup(groupCtx, s.cleanupInterval)
		return nil
	})
	group.Go(func() error {
		return s.worker.Run(groupCtx)
	})
	return group.Wait()
}

// CreateAdminKey issues an admin-scoped API key for the account with email
// and writes the plaintext key to out. The key is not recoverable later.
func CreateAdminKey(ctx context.Context, cfg Config, email, name string, out io.Writer) error {
	codec, err := secret.NewCodec([]byte(cfg.Pepper))
	if err != nil {
		return fmt.Errorf("GATEHOUSE_PEPPER: %w", err)
	}
	store, err := openAuthStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return err
	}
	owner, err := store.GetUserByEmail(ctx, normalized)
	if err != nil {
		return fmt.Errorf("lookup key owner %s: %w", normalized, err)
	}
	if strings.TrimSpace(name) == "" {
		name = "admin"
	}
	created, err := apikey.NewManager(store, codec, nil, nil).Create(ctx, owner.ID, name, []string{"admin"})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, created.Key)
	return err
}

func openAuthStore(path string) (*authsqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "gatehouse.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := authsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) close() {
	if s == nil {
		return
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close challenge store", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close auth store", zap.Error(err))
		}
	}
}

func defaultOAuthIssuer(httpAddr string) string {
	addr := strings.TrimSpace(httpAddr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// bootstrapAdmin creates the first system administrator. Incomplete settings
// are skipped and an existing account is left untouched.
func bootstrapAdmin(ctx context.Context, users *user.Service, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil
	}
	_, err := users.Create(ctx, user.CreateUserInput{
		Email:         email,
		DisplayName:   "Administrator",
		Password:      password,
		IsSystemAdmin: true,
	})
	if err != nil && !apperrors.HasCode(err, apperrors.CodeConflict) {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}
