package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/requestctx"
	"github.com/louisbranch/gatehouse/internal/services/auth/ippolicy"
	"github.com/louisbranch/gatehouse/internal/services/auth/passkey"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
)

func (s *Server) adminRoutes(r chi.Router) {
	if s.deps.IPRules != nil {
		r.Get("/ip-rules", s.handleListIPRules)
		r.Post("/ip-rules", s.handleAddIPRule)
		r.Delete("/ip-rules/{ruleID}", s.handleRemoveIPRule)
	}
	r.Post("/api-keys", s.handleCreateAPIKey)
	r.Post("/api-keys/{keyID}/rotate", s.handleRotateAPIKey)
	r.Delete("/api-keys/{keyID}", s.handleRevokeAPIKey)
	if s.deps.Webhooks != nil {
		r.Post("/webhooks", s.handleCreateWebhook)
		r.Post("/webhooks/{webhookID}/rotate-secret", s.handleRotateWebhookSecret)
	}
	r.Post("/users", s.handleCreateUser)
	r.Delete("/users/{userID}", s.handleDeactivateUser)
	if s.deps.Consents != nil {
		r.Delete("/users/{userID}/consents/{clientID}", s.handleRevokeConsent)
	}
	if s.deps.Passkeys != nil {
		r.Get("/users/{userID}/credentials", s.handleListCredentials)
		r.Delete("/users/{userID}/credentials/{credentialID}", s.handleRevokeCredential)
	}
}

type ipRuleRequest struct {
	AppID     string     `json:"app_id"`
	IPAddress string     `json:"ip_address"`
	IPRange   string     `json:"ip_range"`
	Type      string     `json:"type"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type ipRuleResponse struct {
	ID        string     `json:"id"`
	AppID     string     `json:"app_id,omitempty"`
	IPAddress string     `json:"ip_address,omitempty"`
	IPRange   string     `json:"ip_range,omitempty"`
	Type      string     `json:"type"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func toIPRuleResponse(rule storage.IPRule) ipRuleResponse {
	return ipRuleResponse{
		ID:        rule.ID,
		AppID:     rule.AppID,
		IPAddress: rule.IPAddress,
		IPRange:   rule.IPRange,
		Type:      string(rule.Type),
		Reason:    rule.Reason,
		ExpiresAt: rule.ExpiresAt,
		CreatedBy: rule.CreatedBy,
		CreatedAt: rule.CreatedAt,
	}
}

func (s *Server) handleListIPRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.IPRules.ListRules(r.Context(), r.URL.Query().Get("app_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]ipRuleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, toIPRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": resp})
}

func (s *Server) handleAddIPRule(w http.ResponseWriter, r *http.Request) {
	var req ipRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.deps.IPRules.AddRule(r.Context(), ippolicy.AddRuleInput{
		AppID:     req.AppID,
		IPAddress: req.IPAddress,
		IPRange:   req.IPRange,
		Type:      storage.RuleType(req.Type),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: requestctx.UserIDFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIPRuleResponse(rule))
}

func (s *Server) handleRemoveIPRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.IPRules.RemoveRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type apiKeyRequest struct {
	Name    string   `json:"name"`
	OwnerID string   `json:"owner_id"`
	Scopes  []string `json:"scopes"`
}

type apiKeyResponse struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Prefix    string    `json:"prefix"`
	OwnerID   string    `json:"owner_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owner := req.OwnerID
	if owner == "" {
		owner = requestctx.UserIDFromContext(r.Context())
	}
	created, err := s.deps.APIKeys.Create(r.Context(), owner, req.Name, req.Scopes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusCreated, apiKeyResponse{
		ID:        created.APIKey.ID,
		Key:       created.Key,
		Prefix:    created.APIKey.KeyPrefix,
		OwnerID:   created.APIKey.OwnerID,
		Scopes:    created.APIKey.Scopes,
		CreatedAt: created.APIKey.CreatedAt,
	})
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	created, err := s.deps.APIKeys.Rotate(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, apiKeyResponse{
		ID:        created.APIKey.ID,
		Key:       created.Key,
		Prefix:    created.APIKey.KeyPrefix,
		OwnerID:   created.APIKey.OwnerID,
		Scopes:    created.APIKey.Scopes,
		CreatedAt: created.APIKey.CreatedAt,
	})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if current := apiKeyFromContext(r.Context()); current != nil && current.ID == keyID {
		s.writeError(w, r, apperrors.New(apperrors.CodeValidation, "a key cannot revoke itself"))
		return
	}
	if err := s.deps.APIKeys.Revoke(r.Context(), keyID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url,omitempty"`
	Events       []string  `json:"events,omitempty"`
	Secret       string    `json:"secret"`
	SecretPrefix string    `json:"secret_prefix,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Webhooks.Create(r.Context(), requestctx.UserIDFromContext(r.Context()), req.URL, req.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusCreated, webhookResponse{
		ID:           created.Webhook.ID,
		URL:          created.Webhook.URL,
		Events:       created.Webhook.Events,
		Secret:       created.Secret,
		SecretPrefix: created.Webhook.SecretPrefix,
		CreatedAt:    created.Webhook.CreatedAt,
	})
}

func (s *Server) handleRotateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")
	rotated, err := s.deps.Webhooks.RotateSecret(r.Context(), webhookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, webhookResponse{ID: webhookID, Secret: rotated})
}

type createUserRequest struct {
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	Password      string `json:"password"`
	IsSystemAdmin bool   `json:"is_system_admin"`
}

type userResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name,omitempty"`
	IsActive      bool      `json:"is_active"`
	IsSystemAdmin bool      `json:"is_system_admin"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Users.Create(r.Context(), user.CreateUserInput{
		Email:         req.Email,
		DisplayName:   req.DisplayName,
		Password:      req.Password,
		IsSystemAdmin: req.IsSystemAdmin,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:            created.ID,
		Email:         created.Email,
		DisplayName:   created.DisplayName,
		IsActive:      created.IsActive,
		IsSystemAdmin: created.IsSystemAdmin,
		CreatedAt:     created.CreatedAt,
	})
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Users.Deactivate(r.Context(), chi.URLParam(r, "userID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Consents.Revoke(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "clientID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	credentials, err := s.deps.Passkeys.ListCredentials(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]credentialResponse, 0, len(credentials))
	for _, credential := range credentials {
		resp = append(resp, toCredentialResponse(credential))
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": resp})
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	raw, err := passkey.DecodeCredentialID(chi.URLParam(r, "credentialID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Passkeys.RevokeCredential(r.Context(), chi.URLParam(r, "userID"), raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
