// Package session issues and verifies the proxy's stateless session tokens.
//
// The proxy keeps no server-side session store: identity established by the
// SSO round trip is carried entirely in a signed cookie, so any proxy process
// can verify any request. Tokens are HS256 JWTs with a bounded lifetime.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user as carried by a session token.
type Identity struct {
	// Subject is the stable SSO subject identifier.
	Subject string
	// Email is the user's email address from the identity provider.
	Email string
	// Name is the user's display name.
	Name string
}

// ErrInvalidToken is returned for tokens that are malformed, expired, or not
// signed with the configured key and method.
var ErrInvalidToken = errors.New("invalid session token")

type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type stateClaims struct {
	jwt.RegisteredClaims
	ReturnURL string `json:"return_url"`
}

const issuer = "labgate"

// Codec signs and verifies session and SSO-state tokens.
type Codec struct {
	secret   []byte
	lifetime time.Duration
}

// NewCodec creates a codec signing with the given secret. lifetime bounds how
// long a session cookie stays valid before the user is sent back through SSO.
func NewCodec(secret []byte, lifetime time.Duration) *Codec {
	return &Codec{secret: secret, lifetime: lifetime}
}

// Issue creates a signed session token for an authenticated identity.
func (c *Codec) Issue(id Identity) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.lifetime)),
		},
		Email: id.Email,
		Name:  id.Name,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a session token, returning the identity it
// carries. Any failure, including an expired or alg-confused token, returns
// an error matching ErrInvalidToken so callers fall back to the SSO redirect.
func (c *Codec) Verify(token string) (Identity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// IssueState creates the short-lived token that rides the SSO round trip.
// It records the originally requested URL so the callback can land the user
// back on the exact resource, and doubles as the CSRF state check.
func (c *Codec) IssueState(returnURL string, lifetime time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		ReturnURL: returnURL,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign state token: %w", err)
	}
	return token, nil
}

// VerifyState validates a state token and returns the recorded return URL.
func (c *Codec) VerifyState(token string) (string, error) {
	var claims stateClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ReturnURL == "" {
		return "", fmt.Errorf("%w: empty return URL", ErrInvalidToken)
	}
	return claims.ReturnURL, nil
}

func (c *Codec) keyFunc(*jwt.Token) (any, error) {
	return c.secret, nil
}
