package connection

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the unverified view of a cluster JWT. The remote database is the
// one that verifies signatures; the engine only reads who the token is for
// and when it runs out.
type Token struct {
	Raw       string
	Subject   string
	ExpiresAt time.Time
}

// ParseToken decodes the claims of raw without verifying its signature.
func ParseToken(raw string) (Token, error) {
	claims := &jwt.RegisteredClaims{}

	_, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return Token{}, fmt.Errorf("failed to parse cluster token: %w", err)
	}

	t := Token{Raw: raw, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t, nil
}

// Expired reports whether the token has an expiry before now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}
