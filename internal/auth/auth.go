// Package auth defines the AuthContext the transport layer attaches
// to an accepted session before the node session manager validates a
// register frame against it, plus the session-token mint/validate
// machinery backing the session-token auth kind.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes the two auth-context shapes spec §4.4 allows.
type Kind string

const (
	KindStaticToken  Kind = "static-token"
	KindSessionToken Kind = "session-token"
)

// Context is supplied by the transport layer for every accepted
// session. Any shape other than these two closes the session with
// code 4001 per spec §4.4.
type Context struct {
	Kind      Kind
	Token     string
	NodeID    string // bound nodeId, only meaningful for session-token
	ExpiresAt time.Time
}

type contextKey int

const authContextKey contextKey = iota

// WithContext attaches an auth Context to ctx.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext retrieves the auth Context, or nil if none was attached.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(authContextKey).(*Context)
	return ac
}

// StaticTokenValid reports whether presented matches one of the
// configured pre-shared tokens, using a constant-time comparison so
// timing does not leak which prefix matched. Pre-shared secrets held
// verbatim by both sides are a comparison problem, not a
// password-hashing problem, so subtle.ConstantTimeCompare is the
// right tool rather than bcrypt.
func StaticTokenValid(tokens []string, presented string) bool {
	if presented == "" {
		return false
	}
	ok := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(presented)) == 1 {
			ok = true
		}
	}
	return ok
}

// sessionClaims binds a session token to exactly one node.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// SessionTokenIssuer mints and validates session-token auth contexts
// against a rotating set of secrets: validation tries every secret
// (supporting secret rotation without invalidating outstanding
// tokens); minting always uses the first.
type SessionTokenIssuer struct {
	secrets []string
	ttl     time.Duration
}

// NewSessionTokenIssuer builds an issuer. secrets must be non-empty.
func NewSessionTokenIssuer(secrets []string, ttl time.Duration) (*SessionTokenIssuer, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("auth: at least one session-token secret is required")
	}
	return &SessionTokenIssuer{secrets: secrets, ttl: ttl}, nil
}

// Mint issues a session token bound to nodeID, expiring after the
// issuer's configured TTL.
func (s *SessionTokenIssuer) Mint(nodeID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secrets[0]))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a session token against every
// configured secret, returning the bound nodeId and expiry on
// success.
func (s *SessionTokenIssuer) Validate(tokenStr string) (nodeID string, expiresAt time.Time, err error) {
	var lastErr error
	for _, secret := range s.secrets {
		secret := secret
		claims := &sessionClaims{}
		token, parseErr := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if parseErr != nil {
			lastErr = parseErr
			continue
		}
		if !token.Valid {
			lastErr = fmt.Errorf("token not valid")
			continue
		}
		exp, _ := claims.GetExpirationTime()
		if exp != nil {
			expiresAt = exp.Time
		}
		return claims.Subject, expiresAt, nil
	}
	return "", time.Time{}, fmt.Errorf("validate session token: %w", lastErr)
}
