package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/oauth"
	"go.uber.org/zap"
)

// UserHeader carries the user authenticated by a fronting login proxy.
const UserHeader = "X-Gatehouse-User"

type pendingResponse struct {
	PendingID  string    `json:"pending_id"`
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name,omitempty"`
	Scopes     []string  `json:"scopes"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type decisionResponse struct {
	ConsentRequired bool     `json:"consent_required"`
	PendingID       string   `json:"pending_id,omitempty"`
	ClientID        string   `json:"client_id,omitempty"`
	ClientName      string   `json:"client_name,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	RedirectURL     string   `json:"redirect_url,omitempty"`
	ConsentToken    string   `json:"consent_token,omitempty"`
}

func toDecisionResponse(decision *oauth.Decision) decisionResponse {
	return decisionResponse{
		ConsentRequired: decision.ConsentRequired,
		PendingID:       decision.PendingID,
		ClientID:        decision.ClientID,
		ClientName:      decision.ClientName,
		Scopes:          decision.Scopes,
		RedirectURL:     decision.RedirectURL,
		ConsentToken:    decision.ConsentToken,
	}
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	req := oauth.AuthorizationRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	}
	if !s.allowed(w, r, strings.TrimSpace(req.ClientID)) {
		return
	}

	pending, err := s.deps.OAuth.Authorize(r.Context(), req)
	if err != nil {
		var redirectErr *oauth.RedirectError
		if errors.As(err, &redirectErr) {
			http.Redirect(w, r, redirectErr.RedirectURL, http.StatusFound)
			return
		}
		s.writeOAuthError(w, r, err)
		return
	}

	if s.config.TrustUserHeader {
		if userID := strings.TrimSpace(r.Header.Get(UserHeader)); userID != "" {
			decision, err := s.deps.OAuth.AttachUser(r.Context(), pending.ID, userID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if decision.RedirectURL != "" {
				http.Redirect(w, r, decision.RedirectURL, http.StatusFound)
				return
			}
			noStore(w)
			writeJSON(w, http.StatusOK, toDecisionResponse(decision))
			return
		}
	}

	if loginURL := strings.TrimSpace(s.deps.OAuth.Config().LoginUIURL); loginURL != "" {
		target, err := url.Parse(loginURL)
		if err != nil {
			s.writeError(w, r, apperrors.Wrap(apperrors.CodeUnknown, "parse login ui url", err))
			return
		}
		query := target.Query()
		query.Set("pending_id", pending.ID)
		target.RawQuery = query.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, pendingResponse{
		PendingID:  pending.ID,
		ClientID:   pending.ClientID,
		ClientName: pending.ClientName,
		Scopes:     pending.Scopes,
		ExpiresAt:  pending.ExpiresAt,
	})
}

type loginRequest struct {
	PendingID string `json:"pending_id"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.pendingAllowed(w, r, req.PendingID) {
		return
	}
	account, err := s.deps.Users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := s.deps.OAuth.AttachUser(r.Context(), req.PendingID, account.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := toDecisionResponse(decision)
	noStore(w)
	writeJSON(w, http.StatusOK, struct {
		UserID string `json:"user_id"`
		decisionResponse
	}{UserID: account.ID, decisionResponse: resp})
}

// pendingAllowed resolves the client behind pendingID and applies its IP
// rules. It writes the error response when the request may not proceed.
func (s *Server) pendingAllowed(w http.ResponseWriter, r *http.Request, pendingID string) bool {
	if strings.TrimSpace(pendingID) == "" {
		s.writeError(w, r, apperrors.New(apperrors.CodeValidation, "pending_id is required"))
		return false
	}
	pending, err := s.deps.OAuth.Pending(r.Context(), pendingID)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	return s.allowed(w, r, pending.ClientID)
}

// consentRequest carries the consent token returned by login, not a user
// id: the token is what proves who approves.
type consentRequest struct {
	PendingID    string `json:"pending_id"`
	ConsentToken string `json:"consent_token"`
	Decision     string `json:"decision"`
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var allow bool
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "allow", "approve":
		allow = true
	case "deny":
	default:
		s.writeError(w, r, apperrors.New(apperrors.CodeValidation, "decision must be allow or deny"))
		return
	}
	if !s.pendingAllowed(w, r, req.PendingID) {
		return
	}
	decision, err := s.deps.OAuth.Approve(r.Context(), req.PendingID, req.ConsentToken, allow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": decision.RedirectURL})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	if err := parseForm(r); err != nil {
		s.writeOAuthError(w, r, err)
		return
	}
	if !s.allowed(w, r, strings.TrimSpace(r.PostForm.Get("client_id"))) {
		return
	}
	tokens, err := s.deps.OAuth.Token(r.Context(), oauth.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	})
	if err != nil {
		s.writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// handleRevoke answers 200 for unknown and already revoked tokens (RFC 7009).
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeOAuthError(w, r, err)
		return
	}
	if !s.allowed(w, r, strings.TrimSpace(r.PostForm.Get("client_id"))) {
		return
	}
	err := s.deps.OAuth.Revoke(r.Context(), oauth.RevocationRequest{
		Token:        r.PostForm.Get("token"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	})
	if err != nil {
		s.writeOAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	if err := parseForm(r); err != nil {
		s.writeOAuthError(w, r, err)
		return
	}
	if !s.allowed(w, r, strings.TrimSpace(r.PostForm.Get("client_id"))) {
		return
	}
	result, err := s.deps.OAuth.Introspect(r.Context(), r.PostForm.Get("token"))
	if err != nil {
		s.logger.Warn("introspect", zap.Error(err))
		s.writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
