// Package auth validates subscriber bearer tokens. Tokens are issued
// elsewhere; this side only checks signature, issuer, audience and
// expiry, and extracts the identity the permission engine works with.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken wraps any verification failure so callers can
	// treat all invalid tokens alike without losing the cause.
	ErrInvalidToken = errors.New("auth: invalid token")

	errMissingSecret  = errors.New("auth: signing secret must be provided")
	errMissingSubject = errors.New("auth: subject claim must be provided")
)

// Identity is a verified subscriber.
type Identity struct {
	Subject string
	Roles   []string
}

type subscriberClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Validator checks HS256 bearer tokens against a shared secret.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
	clock    func() time.Time
}

func NewValidator(secret []byte, issuer, audience string) *Validator {
	return &Validator{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		clock:    time.Now,
	}
}

// Validate verifies a token and returns the identity it carries.
func (v *Validator) Validate(tokenString string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, errMissingSecret
	}

	claims := &subscriberClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return v.secret, nil
		},
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, errMissingSubject)
	}

	return Identity{Subject: claims.Subject, Roles: claims.Roles}, nil
}
