package passkey

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
)

// Provider is the subset of *webauthn.WebAuthn the ceremonies use.
type Provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

// Parser decodes browser ceremony responses.
type Parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

// DefaultParser parses responses with the protocol package.
type DefaultParser struct{}

// ParseCredentialCreationResponseBytes decodes a registration response
// posted by the browser.
func (DefaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

// ParseCredentialRequestResponseBytes decodes an assertion response posted
// by the browser.
func (DefaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// webUser adapts an account and its active passkeys to webauthn.User.
type webUser struct {
	account     user.User
	credentials []webauthn.Credential
}

func newWebUser(account user.User, stored []storage.WebAuthnCredential) *webUser {
	credentials := make([]webauthn.Credential, 0, len(stored))
	for _, record := range stored {
		credentials = append(credentials, toLibraryCredential(record))
	}
	return &webUser{account: account, credentials: credentials}
}

func (u *webUser) WebAuthnID() []byte {
	return []byte(u.account.ID)
}

func (u *webUser) WebAuthnName() string {
	if u.account.Email != "" {
		return u.account.Email
	}
	return u.account.ID
}

func (u *webUser) WebAuthnDisplayName() string {
	if u.account.DisplayName != "" {
		return u.account.DisplayName
	}
	return u.WebAuthnName()
}

func (u *webUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func toLibraryCredential(record storage.WebAuthnCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(record.Transports))
	for _, transport := range record.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}
	return webauthn.Credential{
		ID:              record.CredentialID,
		PublicKey:       record.PublicKey,
		AttestationType: record.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: record.BackupEligible,
			BackupState:    record.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:       record.AAGUID,
			SignCount:    record.Counter,
			CloneWarning: record.CloneWarning,
		},
	}
}

func transportNames(transports []protocol.AuthenticatorTransport) []string {
	names := make([]string, 0, len(transports))
	for _, transport := range transports {
		names = append(names, string(transport))
	}
	return names
}
