// internal/auth/token.go
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned for strings that are not JWTs.
var ErrMalformedToken = errors.New("auth: malformed token")

// KeyRole is the role claim carried by a project API key.
type KeyRole string

const (
	KeyAnon        KeyRole = "anon"
	KeyServiceRole KeyRole = "service_role"
)

// Claims are the access token fields the client cares about. The token is
// signed by the hosted backend; the client cannot verify it and only reads
// it to route and schedule.
type Claims struct {
	Subject      string    `json:"sub"`
	Role         string    `json:"role"`
	Email        string    `json:"email,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	RestaurantID string    `json:"restaurant_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the token has expired at now. Tokens without an
// exp claim never expire.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ExpiresIn returns the time left until expiry, or 0 if expired or unset.
func (c Claims) ExpiresIn(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt) {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// Inspect decodes an access token without verifying its signature.
func Inspect(tokenString string) (Claims, error) {
	claims, err := parseUnverified(tokenString)
	if err != nil {
		return Claims{}, err
	}

	c := Claims{
		Subject:   stringClaim(claims, "sub"),
		Role:      stringClaim(claims, "role"),
		Email:     stringClaim(claims, "email"),
		SessionID: stringClaim(claims, "session_id"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}

	// restaurant_id may be a top-level claim or live in app_metadata
	c.RestaurantID = idClaim(claims["restaurant_id"])
	if c.RestaurantID == "" {
		if meta, ok := claims["app_metadata"].(map[string]any); ok {
			c.RestaurantID = idClaim(meta["restaurant_id"])
		}
	}
	return c, nil
}

// APIKeyRole returns the role of a project API key.
func APIKeyRole(key string) (KeyRole, error) {
	claims, err := parseUnverified(key)
	if err != nil {
		return "", fmt.Errorf("invalid API key: %w", err)
	}

	role, ok := claims["role"].(string)
	if !ok {
		return "", fmt.Errorf("API key missing role claim")
	}
	if role != string(KeyAnon) && role != string(KeyServiceRole) {
		return "", fmt.Errorf("invalid API key role: %s", role)
	}
	return KeyRole(role), nil
}

func parseUnverified(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	return claims, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// idClaim accepts string or numeric ids.
func idClaim(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}
