package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/repositories"
)

// TenantScopeProvider opens a tenant-scoped database context.
// Satisfied by *database.TenantScopeProvider.
type TenantScopeProvider interface {
	WithTenantScope(ctx context.Context, projectID uuid.UUID) (context.Context, func(), error)
}

// DatabaseLoader serves entity schemas from the metadata store.
type DatabaseLoader struct {
	repo   repositories.EntitySchemaRepository
	scopes TenantScopeProvider
}

// NewDatabaseLoader creates a loader reading through repo under a tenant scope.
func NewDatabaseLoader(repo repositories.EntitySchemaRepository, scopes TenantScopeProvider) *DatabaseLoader {
	return &DatabaseLoader{repo: repo, scopes: scopes}
}

var _ MetadataLoader = (*DatabaseLoader)(nil)

// LoadEntity returns nil, nil when the entity is not stored.
func (l *DatabaseLoader) LoadEntity(ctx context.Context, tenantID uuid.UUID, entityKey string) (*models.EntitySchema, error) {
	ctx, done, err := l.scopes.WithTenantScope(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("open tenant scope: %w", err)
	}
	defer done()

	schema, err := l.repo.GetEntity(ctx, tenantID, entityKey)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return schema, err
}

func (l *DatabaseLoader) LoadAllEntities(ctx context.Context, tenantID uuid.UUID) ([]*models.EntitySchema, error) {
	ctx, done, err := l.scopes.WithTenantScope(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("open tenant scope: %w", err)
	}
	defer done()

	return l.repo.ListEntities(ctx, tenantID)
}
