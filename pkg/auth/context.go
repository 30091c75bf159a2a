package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetProjectIDFromContext extracts the project ID from JWT claims in the context.
// Returns uuid.Nil if not authenticated or the claim is missing or malformed.
func GetProjectIDFromContext(ctx context.Context) uuid.UUID {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return uuid.Nil
	}
	projectID, err := claims.TenantID()
	if err != nil {
		return uuid.Nil
	}
	return projectID
}

// RequireProjectIDFromContext extracts the project ID from context and returns an error if not found.
func RequireProjectIDFromContext(ctx context.Context) (uuid.UUID, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return uuid.Nil, fmt.Errorf("authentication required: no claims in context")
	}
	return claims.TenantID()
}

// GetSubjectTypeFromContext returns the subject type of the caller, or "" when
// the request is unauthenticated.
func GetSubjectTypeFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.SubjectType
}

// GetUserIDFromContext extracts the subject from JWT claims in the context.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}
