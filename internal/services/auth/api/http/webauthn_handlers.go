package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/louisbranch/gatehouse/internal/services/auth/oauth"
	"github.com/louisbranch/gatehouse/internal/services/auth/passkey"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

type credentialResponse struct {
	ID           string     `json:"id"`
	CredentialID string     `json:"credential_id"`
	DeviceName   string     `json:"device_name,omitempty"`
	Transports   []string   `json:"transports,omitempty"`
	CloneWarning bool       `json:"clone_warning"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

func toCredentialResponse(credential storage.WebAuthnCredential) credentialResponse {
	return credentialResponse{
		ID:           credential.ID,
		CredentialID: passkey.EncodeCredentialID(credential.CredentialID),
		DeviceName:   credential.DeviceName,
		Transports:   credential.Transports,
		CloneWarning: credential.CloneWarning,
		IsActive:     credential.IsActive,
		CreatedAt:    credential.CreatedAt,
		LastUsedAt:   credential.LastUsedAt,
	}
}

// Registration is bound to a password login in the same request; there are
// no server sessions.
type registerStartRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name"`
}

func (s *Server) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var req registerStartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.deps.Users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	challenge, err := s.deps.Passkeys.StartRegistration(r.Context(), account.ID, req.DeviceName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, challenge)
}

type registerFinishRequest struct {
	ChallengeID string          `json:"challenge_id"`
	DeviceName  string          `json:"device_name"`
	Response    json.RawMessage `json:"response"`
}

func (s *Server) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req registerFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	credential, err := s.deps.Passkeys.FinishRegistration(r.Context(), passkey.FinishRegistrationRequest{
		ChallengeID: req.ChallengeID,
		Response:    req.Response,
		DeviceName:  req.DeviceName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCredentialResponse(*credential))
}

type authenticateStartRequest struct {
	Email     string `json:"email"`
	PendingID string `json:"pending_id"`
}

func (s *Server) handleAuthenticateStart(w http.ResponseWriter, r *http.Request) {
	var req authenticateStartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	challenge, err := s.deps.Passkeys.StartAuthentication(r.Context(), req.Email, req.PendingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, challenge)
}

type authenticateFinishRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Response    json.RawMessage `json:"response"`
}

// authenticationResponse carries either the pending authorization's next
// step or, for a first-party sign-in, the issued tokens.
type authenticationResponse struct {
	UserID       string            `json:"user_id"`
	CredentialID string            `json:"credential_id"`
	Decision     *decisionResponse `json:"authorization,omitempty"`
	Tokens       *oauth.TokenSet   `json:"tokens,omitempty"`
}

func (s *Server) handleAuthenticateFinish(w http.ResponseWriter, r *http.Request) {
	var req authenticateFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Passkeys.FinishAuthentication(r.Context(), passkey.FinishAuthenticationRequest{
		ChallengeID: req.ChallengeID,
		Response:    req.Response,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := authenticationResponse{UserID: result.UserID, CredentialID: result.CredentialID, Tokens: result.Tokens}
	if result.Decision != nil {
		decision := toDecisionResponse(result.Decision)
		resp.Decision = &decision
	}
	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}
