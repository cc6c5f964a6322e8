package oauth

import (
	"errors"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
)

// RFC 6749 error codes that have no domain code of their own.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidScope            = "invalid_scope"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
)

const (
	metaOAuthError  = "oauth_error"
	metaDescription = "description"
)

// protocolError builds a domain error carrying the wire error code and a
// client-safe description. message stays server-side.
func protocolError(code apperrors.Code, oauthCode, description, message string) *apperrors.Error {
	return apperrors.WithMetadata(code, message, map[string]string{
		metaOAuthError:  oauthCode,
		metaDescription: description,
	})
}

// invalidGrant is the single response for every rejected code or refresh
// token, so callers cannot tell unknown, expired and replayed apart.
func invalidGrant(code apperrors.Code, message string) *apperrors.Error {
	return protocolError(code, ErrorInvalidGrant, "the grant is invalid, expired or revoked", message)
}

// ErrorCode returns the RFC 6749 error code for err.
func ErrorCode(err error) string {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		return ErrorServerError
	}
	if value := domainErr.Metadata[metaOAuthError]; value != "" {
		return value
	}
	return domainErr.Code.OAuthError()
}

// ErrorDescription returns the client-safe description for err, if any.
func ErrorDescription(err error) string {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		return ""
	}
	return domainErr.Metadata[metaDescription]
}

// RedirectError is an authorize failure that may be reported to the client
// by redirecting to its registered redirect URI.
type RedirectError struct {
	RedirectURL string
	Err         error
}

func (e *RedirectError) Error() string {
	return e.Err.Error()
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}

func upstream(message string, err error) *apperrors.Error {
	return apperrors.Wrap(apperrors.CodeUpstream, message, err)
}
