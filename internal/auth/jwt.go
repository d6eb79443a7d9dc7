// Package auth provides bearer-token validation for the HTTP edge adapter,
// using a remote JWKS endpoint. It belongs to the ambient service shell of
// SPEC_FULL.md §1, not to the core; this validator is the thin interface
// the edge adapter uses to guard the §6 routes.
package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer-token claims the edge adapter expects.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates bearer tokens using keys fetched from a JWKS
// endpoint, refreshed in the background by keyfunc.
type JWTValidator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
	cancel   context.CancelFunc
}

// NewJWTValidator creates a validator that fetches keys from jwksURL.
func NewJWTValidator(jwksURL, audience, issuer string) (*JWTValidator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{jwks: k, audience: audience, issuer: issuer, cancel: cancel}, nil
}

// Validate parses and verifies a bearer token, checking audience and issuer
// when configured.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("get audience: %w", err)
		}
		if !containsString(aud, v.audience) {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return nil, fmt.Errorf("get issuer: %w", err)
		}
		if iss != v.issuer {
			return nil, fmt.Errorf("invalid issuer")
		}
	}

	return claims, nil
}

// Close stops the validator's background JWKS refresh.
func (v *JWTValidator) Close() { v.cancel() }

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
