package oauth

import (
	"strings"
	"testing"
)

func TestComputeS256Challenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := ComputeS256Challenge(verifier); got != want {
		t.Fatalf("ComputeS256Challenge() = %v, want %v", got, want)
	}
}

func TestValidatePKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if !ValidatePKCE(verifier, challenge, MethodS256) {
		t.Fatal("expected PKCE validation to pass")
	}
	if ValidatePKCE(verifier, challenge, MethodPlain) {
		t.Fatal("expected plain comparison against an S256 challenge to fail")
	}
	if !ValidatePKCE(verifier, verifier, MethodPlain) {
		t.Fatal("expected plain PKCE validation to pass")
	}
	if ValidatePKCE(verifier, challenge, "S512") {
		t.Fatal("expected unknown method to fail")
	}
	if ValidatePKCE("short", challenge, MethodS256) {
		t.Fatal("expected PKCE validation to fail for invalid verifier")
	}
	if ValidatePKCE(verifier, "invalid", MethodS256) {
		t.Fatal("expected PKCE validation to fail for mismatched challenge")
	}
	other := strings.Repeat("a", 43)
	if ValidatePKCE(other, challenge, MethodS256) {
		t.Fatal("expected a different verifier to fail")
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	valid := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if !ValidateCodeChallenge(valid) {
		t.Fatal("expected valid code challenge")
	}
	if ValidateCodeChallenge("short") {
		t.Fatal("expected invalid length to fail")
	}
	if ValidateCodeChallenge("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw+M") {
		t.Fatal("expected invalid characters to fail")
	}
	if ValidateCodeChallenge(strings.Repeat("a", 129)) {
		t.Fatal("expected overlong challenge to fail")
	}
}

func TestValidateCodeVerifierAcceptsUnreservedCharacters(t *testing.T) {
	if !ValidateCodeVerifier(strings.Repeat("aZ9-._~", 7)) {
		t.Fatal("expected unreserved characters to pass")
	}
}
