// Package auth validates the JWTs that callers present to the crossquery
// server and exposes the resulting claims through the request context.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// Subject types a token may carry. They only label queries in traces and
// metrics; authorization is decided by the project claim.
const (
	SubjectTypeUser    = "user"
	SubjectTypeAgent   = "agent"
	SubjectTypeService = "service"
)

// Claims represents the JWT claims accepted by the server.
// It embeds RegisteredClaims for standard JWT fields (sub, iss, exp, etc.)
// and adds the project (tenant) the token is scoped to.
type Claims struct {
	jwt.RegisteredClaims
	ProjectID   string   `json:"pid,omitempty"`          // Project (tenant) UUID
	Email       string   `json:"email,omitempty"`        // User email address
	Roles       []string `json:"roles,omitempty"`        // Roles within the project
	SubjectType string   `json:"subject_type,omitempty"` // user, agent or service
}

// TenantID parses the project claim.
func (c *Claims) TenantID() (uuid.UUID, error) {
	if c.ProjectID == "" {
		return uuid.Nil, ErrMissingProjectID
	}
	id, err := uuid.Parse(c.ProjectID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid project ID format: %w", err)
	}
	return id, nil
}

// HasRole reports whether the claims include role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
// Returns empty string and false if token is not present.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// WithClaims returns a context carrying claims and the raw token.
func WithClaims(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return context.WithValue(ctx, TokenKey, token)
}
