package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ComputeS256Challenge computes the PKCE S256 challenge from a verifier.
func ComputeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidatePKCE reports whether verifier satisfies challenge under method.
func ValidatePKCE(verifier, challenge, method string) bool {
	if !ValidateCodeVerifier(verifier) || challenge == "" {
		return false
	}
	var derived string
	switch method {
	case MethodS256:
		derived = ComputeS256Challenge(verifier)
	case MethodPlain:
		derived = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// ValidateCodeChallenge checks challenge length and alphabet (RFC 7636 §4.2).
func ValidateCodeChallenge(challenge string) bool {
	return validPKCEValue(challenge)
}

// ValidateCodeVerifier checks verifier length and alphabet (RFC 7636 §4.1).
func ValidateCodeVerifier(verifier string) bool {
	return validPKCEValue(verifier)
}

func validPKCEValue(value string) bool {
	if len(value) < 43 || len(value) > 128 {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
