package authstrategy

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// bundleClaims is the registered-claims-only payload a signed manifest
// token carries; the installer only cares about expiry and issuer, not any
// application-specific claim.
type bundleClaims struct {
	jwt.RegisteredClaims
}

// BearerTokenResolver validates HMAC-signed bearer tokens against Secret.
// The RPC layer uses ValidateToken to gate selected methods; as a Resolver
// it reports MethodNone for every bundle URL and never reports
// MethodBearerToken.
type BearerTokenResolver struct {
	Secret []byte
}

// GetAuthenticationMethod implements Resolver. It always reports MethodNone;
// it takes no token and does not consult Secret.
func (r BearerTokenResolver) GetAuthenticationMethod(appType, id, url string) (Method, error) {
	return MethodNone, nil
}

// ValidateToken verifies a bearer token's signature and expiry against the
// resolver's configured secret.
func (r BearerTokenResolver) ValidateToken(token string) (*bundleClaims, error) {
	claims := &bundleClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authstrategy: unexpected signing method %v", t.Header["alg"])
		}
		return r.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authstrategy: parsing bearer token: %w", err)
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// NewBearerClaims builds the claims for a short-lived token. The installer
// itself never issues tokens in production -- a companion provisioning
// service signs one out of band using the same secret passed to
// rpcserver.Server.RequireBearerAuth -- but this is also what tests and
// operational tooling use to mint one for local exercising.
func NewBearerClaims(issuer string, ttl time.Duration) bundleClaims {
	now := time.Now()
	return bundleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}
