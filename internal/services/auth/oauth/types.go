package oauth

import (
	"time"

	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

// AuthorizationRequest is an authorize request as received from the client.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// PendingAuthorization is a validated request waiting for login or consent.
type PendingAuthorization struct {
	storage.PendingAuthorization
	ClientName string
}

// Decision is the next step of an authorization after a user is known.
// Exactly one of ConsentRequired and RedirectURL is set.
type Decision struct {
	ConsentRequired bool
	PendingID       string
	ClientID        string
	ClientName      string
	Scopes          []string
	RedirectURL     string
	// ConsentToken is set with ConsentRequired and must be passed to
	// Approve. It is returned once and stored hashed.
	ConsentToken string
}

// Grant types accepted at the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// TokenRequest is a token endpoint request for either grant type.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	Code         string
	RedirectURI  string
	CodeVerifier string

	RefreshToken string
	Scope        string
}

// TokenSet is a token endpoint success response.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is an RFC 7662 response.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

func inactive() *Introspection {
	return &Introspection{Active: false}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
