package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/requestctx"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	adminScope      = "admin"
	introspectScope = "introspect"

	limiterIdleTTL = 10 * time.Minute
)

type apiKeyContextKey struct{}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(started)),
			zap.String("ip", requestctx.ClientIPFromContext(r.Context())),
		)
	})
}

// clientIP resolves the caller address once and stores it in the context.
func (s *Server) clientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r.RemoteAddr)
		if header := s.config.TrustedProxyHeader; header != "" {
			if forwarded := r.Header.Get(header); forwarded != "" {
				first, _, _ := strings.Cut(forwarded, ",")
				if first = strings.TrimSpace(first); first != "" {
					ip = first
				}
			}
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithClientIP(r.Context(), ip)))
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ipPolicy applies global rules. Evaluation failures deny with 503.
func (s *Server) ipPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowed(w, r, "") {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowed evaluates the policy for appID and writes the denial when the
// request may not proceed.
func (s *Server) allowed(w http.ResponseWriter, r *http.Request, appID string) bool {
	ctx := r.Context()
	ip := requestctx.ClientIPFromContext(ctx)
	decision, err := s.deps.Policy.Decide(ctx, ip, appID)
	if err != nil {
		s.logger.Warn("ip policy unavailable", zap.String("ip", ip), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily_unavailable"})
		return false
	}
	if decision.Allowed {
		return true
	}
	event := audit.Event{
		Kind:     audit.KindIPDenied,
		Severity: audit.SeverityWarning,
		ClientID: appID,
		IP:       ip,
		Detail:   decision.Reason,
	}
	if decision.Rule != nil {
		event.Detail = decision.Reason + ":" + decision.Rule.ID
	}
	s.audit.Record(ctx, event)
	writeJSON(w, http.StatusForbidden, errorResponse{Error: "access_denied", ErrorDescription: descriptions[apperrors.CodePolicyDenied]})
	return false
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(requestctx.ClientIPFromContext(r.Context()), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey authenticates "Authorization: Bearer gh_..." and requires
// the key to carry required (or admin).
func (s *Server) requireAPIKey(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.deps.APIKeys == nil {
				writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
				return
			}
			presented, ok := bearer(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse"`)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
				return
			}
			key, err := s.deps.APIKeys.Verify(r.Context(), presented)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse", error="invalid_token"`)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
				return
			}
			if required != "" && !hasScope(key.Scopes, required) && !hasScope(key.Scopes, adminScope) {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "insufficient_scope"})
				return
			}
			ctx := requestctx.WithUserID(r.Context(), key.OwnerID)
			ctx = withAPIKey(ctx, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func withAPIKey(ctx context.Context, key *storage.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, key)
}

func apiKeyFromContext(ctx context.Context) *storage.APIKey {
	key, _ := ctx.Value(apiKeyContextKey{}).(*storage.APIKey)
	return key
}

func bearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// ipLimiter keeps one token bucket per client address and forgets idle ones.
type ipLimiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.limiters, key)
			}
		}
		l.lastSweep = now
	}
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
