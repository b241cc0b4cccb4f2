package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wesign/a2a-fabric/internal/errcode"
)

// CapabilityClaims is a short-lived delegation: a single scope grant,
// optionally narrowed to one resource, plus opaque constraints the policy
// layer may inspect.
type CapabilityClaims struct {
	Grant       string         `json:"grant"`
	Resource    string         `json:"resource,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
	jwt.RegisteredClaims
}

// MintCapability signs an HS256 capability token.
func MintCapability(secret []byte, issuer, grant, resource string, constraints map[string]any, ttl time.Duration, now time.Time) (string, error) {
	claims := &CapabilityClaims{
		Grant:       grant,
		Resource:    resource,
		Constraints: constraints,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign capability token: %w", err)
	}
	return signed, nil
}

// VerifyCapability parses and verifies a capability token. Same algorithm
// family and error codes as bearer verification; exp is required.
func VerifyCapability(token string, cfg TokenConfig) (*CapabilityClaims, error) {
	claims := &CapabilityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return cfg.HMACSecret, nil
		case *jwt.SigningMethodRSA:
			return cfg.RSAPublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
	}, jwt.WithValidMethods(validMethods), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errcode.Wrap(mapJWTError(err), err)
	}
	if !parsed.Valid {
		return nil, errcode.New(errcode.JWTInvalid, "token not valid")
	}
	if claims.Grant == "" {
		return nil, errcode.New(errcode.JWTInvalidClaims, "missing claims: grant")
	}
	return claims, nil
}

// Allows reports whether the capability satisfies a required scope against a
// specific resource. The grant follows scope-matching rules; a resource-bound
// capability only matches its own resource id.
func (c *CapabilityClaims) Allows(requiredScope, resourceID string) bool {
	if !HasScope([]string{c.Grant}, requiredScope) {
		return false
	}
	if c.Resource != "" && c.Resource != resourceID {
		return false
	}
	return true
}
