// Package token issues and verifies the symmetric-signed, JWT-shaped bearer
// tokens clients present on every authenticated request. Unlike the
// cross-service trust tokens this is adapted from, these tokens are only
// ever verified by the process that signed them, so there is no need for an
// asymmetric keypair — HS256 with a server-held secret is sufficient.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultTTL is how long an issued token remains valid before the client
// must re-authenticate or refresh its session.
const defaultTTL = 24 * time.Hour

var (
	ErrExpired = errors.New("token: expired")
	ErrInvalid = errors.New("token: invalid")
)

// Claims identifies the session a token was issued for. Session state
// itself (the user, granted scopes) lives in the session store, keyed by
// Sid — the token only proves the bearer holds a valid session id.
type Claims struct {
	jwt.RegisteredClaims
	Sid string `json:"sid"`
}

// Manager signs and verifies Claims with a single shared secret.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewManager builds a Manager. secret should be at least 32 bytes of random
// data; it is never persisted by this package.
func NewManager(secret []byte, issuer string) *Manager {
	return &Manager{secret: secret, issuer: issuer, ttl: defaultTTL}
}

// WithTTL returns a copy of m using ttl instead of the default.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	cp := *m
	cp.ttl = ttl
	return &cp
}

// Issue signs a new bearer token for the given session id.
func (m *Manager) Issue(sid string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Sid: sid,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("token: signing: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning its Claims.
func (m *Manager) Verify(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		raw,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but HS256 to rule out alg-confusion attacks
			// (e.g. a forged RS256 token verified against our own secret
			// as if it were a public key).
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("token: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Sid == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
