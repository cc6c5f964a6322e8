// Package errors provides structured domain errors for the identity service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation marks malformed or missing input the caller can correct.
	CodeValidation Code = "VALIDATION"
	// CodeNotFound marks an unknown client, scope, code, credential or record.
	CodeNotFound Code = "NOT_FOUND"
	// CodeExpired marks a code, challenge or rule past its TTL.
	CodeExpired Code = "EXPIRED"
	// CodeReplay marks reuse of a single-use artifact or a counter regression.
	CodeReplay Code = "REPLAY"
	// CodePolicyDenied marks a request blocked by IP policy.
	CodePolicyDenied Code = "POLICY_DENIED"
	// CodeUpstream marks a transient storage or delivery failure.
	CodeUpstream Code = "UPSTREAM"
	// CodeUnauthenticated marks failed client or user authentication.
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	// CodeConflict marks a uniqueness violation.
	CodeConflict Code = "CONFLICT"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeExpired, CodeReplay:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePolicyDenied:
		return http.StatusForbidden
	case CodeUpstream:
		return http.StatusServiceUnavailable
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// OAuthError maps domain codes to RFC 6749 error codes.
//
// Not-found, expired and replayed grants all collapse to invalid_grant so a
// caller cannot tell which one it hit.
func (c Code) OAuthError() string {
	switch c {
	case CodeNotFound, CodeExpired, CodeReplay:
		return "invalid_grant"
	case CodeValidation:
		return "invalid_request"
	case CodeUnauthenticated:
		return "invalid_client"
	case CodePolicyDenied:
		return "access_denied"
	case CodeUpstream:
		return "temporarily_unavailable"
	default:
		return "server_error"
	}
}
