// Package token extracts lifetime metadata from bearer tokens. Tokens are
// parsed without signature verification: the backend remains the authority on
// validity, this package only reads the expiry the token itself declares.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the assumed lifetime for opaque (non-JWT) tokens that carry
// no expiry of their own. Known gap: the backend should report expiry for
// such tokens; until it does, callers get this fallback.
const DefaultTTL = 30 * time.Minute

// ExpiryOf returns the expiry encoded in a JWT's exp claim.
// ok is false when the token is not a JWT or carries no exp claim.
func ExpiryOf(raw string) (expiry time.Time, ok bool) {
	if raw == "" {
		return time.Time{}, false
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiryOrDefault returns the token's own expiry when derivable, otherwise
// now + DefaultTTL.
func ExpiryOrDefault(raw string, now time.Time) time.Time {
	if exp, ok := ExpiryOf(raw); ok {
		return exp
	}
	return now.Add(DefaultTTL)
}

// SubjectOf returns the JWT sub claim, or "" for opaque tokens.
func SubjectOf(raw string) string {
	if raw == "" {
		return ""
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
