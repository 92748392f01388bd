// Package auth validates bearer tokens and carries the authenticated
// principal through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Roles  []string
}

// IsAdmin reports whether the principal carries an admin role.
func (p *Principal) IsAdmin(adminRoles []string) bool {
	for _, r := range p.Roles {
		for _, a := range adminRoles {
			if r == a {
				return true
			}
		}
	}
	return false
}

// Claims are the JWT claims expected by the evidence API.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Validator parses and validates HMAC-signed JWTs.
type Validator struct {
	secret []byte
}

// NewValidator creates a validator over the shared HMAC secret.
func NewValidator(secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty JWT secret")
	}
	return &Validator{secret: secret}, nil
}

// Validate returns the principal encoded in tokenStr or an error.
func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return &Principal{UserID: claims.Subject, Roles: claims.Roles}, nil
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the principal, or an error when the request was
// not authenticated.
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}
