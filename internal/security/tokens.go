// Package security implements the wire-trust layer: bearer-token
// verification with scopes, capability tokens, HMAC envelope signing,
// replay protection, and idempotency key derivation.
package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wesign/a2a-fabric/internal/errcode"
)

// validMethods is the closed signing-algorithm set for bearer and capability
// tokens. Header-selected algorithms outside this list are rejected before
// signature verification.
var validMethods = []string{"HS256", "RS256"}

// Claims are the fabric's bearer-token claims. sub carries the agent id.
type Claims struct {
	Tenant  string   `json:"tenant"`
	Project string   `json:"project"`
	Scopes  []string `json:"scopes"`
	jwt.RegisteredClaims
}

// AgentID returns the subject claim.
func (c *Claims) AgentID() string { return c.Subject }

// TokenConfig holds verification material. HMACSecret serves HS256,
// RSAPublicKey serves RS256; at least one must be set.
type TokenConfig struct {
	HMACSecret   []byte
	RSAPublicKey *rsa.PublicKey
	Issuer       string // when set, iss must match
	Audience     string // when set, aud must contain it
}

// VerifyBearer parses and verifies a bearer token, returning its claims.
// Errors carry one of E_JWT_EXPIRED, E_JWT_SIGNATURE, E_JWT_INVALID_CLAIMS
// or E_JWT_INVALID.
func VerifyBearer(token string, cfg TokenConfig) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods(validMethods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(cfg.HMACSecret) == 0 {
				return nil, errors.New("no HMAC secret configured")
			}
			return cfg.HMACSecret, nil
		case *jwt.SigningMethodRSA:
			if cfg.RSAPublicKey == nil {
				return nil, errors.New("no RSA public key configured")
			}
			return cfg.RSAPublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
	}, opts...)
	if err != nil {
		return nil, errcode.Wrap(mapJWTError(err), err)
	}
	if !parsed.Valid {
		return nil, errcode.New(errcode.JWTInvalid, "token not valid")
	}

	if err := requireClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func requireClaims(c *Claims) error {
	var missing []string
	if c.Subject == "" {
		missing = append(missing, "sub")
	}
	if c.Tenant == "" {
		missing = append(missing, "tenant")
	}
	if c.Project == "" {
		missing = append(missing, "project")
	}
	if c.Scopes == nil {
		missing = append(missing, "scopes")
	}
	if len(missing) > 0 {
		return errcode.Newf(errcode.JWTInvalidClaims, "missing claims: %s", strings.Join(missing, ", "))
	}
	return nil
}

func mapJWTError(err error) errcode.Code {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errcode.JWTExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errcode.JWTSignature
	case errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return errcode.JWTInvalidClaims
	default:
		return errcode.JWTInvalid
	}
}

// MintBearer signs an HS256 bearer token for the given identity. Used by the
// daemon at startup and by tests; production deployments may instead accept
// RS256 tokens from an external issuer.
func MintBearer(secret []byte, agentID, tenant, project string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	claims := &Claims{
		Tenant:  tenant,
		Project: project,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return signed, nil
}

// HasScope reports whether any granted scope satisfies the required scope.
// A grant matches on exact equality, on the universal grant "*", or on a
// prefix grant "P:*" when required starts with "P:".
func HasScope(granted []string, required string) bool {
	for _, g := range granted {
		if g == required || g == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, ":*"); ok {
			if strings.HasPrefix(required, prefix+":") {
				return true
			}
		}
	}
	return false
}
