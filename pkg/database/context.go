package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// TenantScopeKey is the context key for the tenant-scoped connection.
const TenantScopeKey contextKey = "tenantScope"

// GetTenantScope retrieves the tenant-scoped connection from context.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok && scope != nil
}

// SetTenantScope stores a tenant-scoped connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// TenantScopeProvider opens tenant scopes for code that runs outside an HTTP
// request, such as registry cache misses.
type TenantScopeProvider struct {
	db *DB
}

// NewTenantScopeProvider creates a TenantScopeProvider for the given database.
func NewTenantScopeProvider(db *DB) *TenantScopeProvider {
	return &TenantScopeProvider{db: db}
}

// WithTenantScope returns a context carrying a scope for projectID. When ctx
// already carries a scope for the same project it is reused and the cleanup
// is a no-op.
func (p *TenantScopeProvider) WithTenantScope(ctx context.Context, projectID uuid.UUID) (context.Context, func(), error) {
	if existing, ok := GetTenantScope(ctx); ok && existing.ProjectID == projectID {
		return ctx, func() {}, nil
	}
	scope, err := p.db.WithTenant(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	return SetTenantScope(ctx, scope), scope.Close, nil
}
