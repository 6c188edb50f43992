package authstrategy

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestBearerTokenResolverValidatesSignedToken(t *testing.T) {
	r := BearerTokenResolver{Secret: []byte("test-secret")}
	claims := NewBearerClaims("dacinstalld-test", time.Minute)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.Secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	parsed, err := r.ValidateToken(signed)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if parsed.Issuer != "dacinstalld-test" {
		t.Fatalf("Issuer = %q", parsed.Issuer)
	}
}

func TestBearerTokenResolverRejectsWrongSecret(t *testing.T) {
	signer := BearerTokenResolver{Secret: []byte("signing-secret")}
	verifier := BearerTokenResolver{Secret: []byte("different-secret")}

	claims := NewBearerClaims("dacinstalld-test", time.Minute)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signer.Secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	if _, err := verifier.ValidateToken(signed); err == nil {
		t.Fatalf("expected validation failure with wrong secret")
	}
}

func TestGetAuthenticationMethodDefaultsToNone(t *testing.T) {
	r := BearerTokenResolver{Secret: []byte("s")}
	method, err := r.GetAuthenticationMethod("t", "id", "http://example/bundle.tar.gz")
	if err != nil {
		t.Fatalf("GetAuthenticationMethod: %v", err)
	}
	if method != MethodNone {
		t.Fatalf("method = %v, want MethodNone", method)
	}
}
