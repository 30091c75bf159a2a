package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/retry"
)

// DefaultRegistryCacheTTL is how long loaded entity metadata is served from cache.
const DefaultRegistryCacheTTL = 60 * time.Second

// MetadataLoader reads entity schemas from the store that owns them.
type MetadataLoader interface {
	// LoadEntity returns the schema for one entity, or nil with a nil error when
	// the tenant has no such entity.
	LoadEntity(ctx context.Context, tenantID uuid.UUID, entityKey string) (*models.EntitySchema, error)

	// LoadAllEntities returns every entity schema for the tenant.
	LoadAllEntities(ctx context.Context, tenantID uuid.UUID) ([]*models.EntitySchema, error)
}

// InvalidatingLoader is implemented by loaders that keep their own cache.
// RefreshEntity invalidates it before reloading.
type InvalidatingLoader interface {
	InvalidateEntity(ctx context.Context, tenantID uuid.UUID, entityKey string) error
}

// MetadataRegistryConfig configures a MetadataRegistry.
type MetadataRegistryConfig struct {
	// TTL for cached entities. Zero means DefaultRegistryCacheTTL.
	TTL time.Duration
	// StrictCardinality rejects entities with unmapped relation kinds instead of
	// defaulting them to many-to-one.
	StrictCardinality bool
	// Retry, when set, retries transient loader failures.
	Retry *retry.Config
}

type cacheKey struct {
	tenantID uuid.UUID
	entity   string
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) isExpired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MetadataRegistry is the production registry: it loads entity schemas through
// a MetadataLoader on demand and caches the converted metadata per tenant.
// Loader failures are logged and reported as "entity absent".
type MetadataRegistry struct {
	loader MetadataLoader
	cfg    MetadataRegistryConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry[*models.EntityMetadata]
}

// NewMetadataRegistry creates a MetadataRegistry backed by loader.
func NewMetadataRegistry(loader MetadataLoader, cfg MetadataRegistryConfig, logger *zap.Logger) *MetadataRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRegistryCacheTTL
	}
	return &MetadataRegistry{
		loader:  loader,
		cfg:     cfg,
		logger:  logger.Named("metadata-registry"),
		now:     time.Now,
		entries: make(map[cacheKey]*cacheEntry[*models.EntityMetadata]),
	}
}

var _ RefreshableRegistry = (*MetadataRegistry)(nil)

func (r *MetadataRegistry) GetEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, bool) {
	key := cacheKey{tenantID: tenantID, entity: name}

	r.mu.RLock()
	if entry, ok := r.entries[key]; ok && !entry.isExpired(r.now()) {
		r.mu.RUnlock()
		return entry.value, true
	}
	r.mu.RUnlock()

	entity := r.load(ctx, tenantID, name)
	if entity == nil {
		return nil, false
	}
	r.store(key, entity)
	return entity, true
}

func (r *MetadataRegistry) GetRelationship(ctx context.Context, tenantID uuid.UUID, source, target string) (*models.EntityRelationship, bool) {
	entity, ok := r.GetEntity(ctx, tenantID, source)
	if !ok {
		return nil, false
	}
	return entity.RelationshipTo(target)
}

func (r *MetadataRegistry) RefreshEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, bool) {
	r.mu.Lock()
	delete(r.entries, cacheKey{tenantID: tenantID, entity: name})
	r.mu.Unlock()

	if inv, ok := r.loader.(InvalidatingLoader); ok {
		if err := inv.InvalidateEntity(ctx, tenantID, name); err != nil {
			r.logger.Warn("Failed to invalidate loader cache",
				zap.String("tenant_id", tenantID.String()),
				zap.String("entity", name),
				zap.String("error", logging.SanitizeError(err)))
		}
	}

	return r.GetEntity(ctx, tenantID, name)
}

func (r *MetadataRegistry) ClearCache() {
	r.mu.Lock()
	r.entries = make(map[cacheKey]*cacheEntry[*models.EntityMetadata])
	r.mu.Unlock()

	r.logger.Info("Cleared registry cache")
}

// ClearTenant drops every cached entity for one tenant.
func (r *MetadataRegistry) ClearTenant(tenantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.entries {
		if key.tenantID == tenantID {
			delete(r.entries, key)
		}
	}
}

// Preload loads every entity for the tenant into the cache and returns how many
// were cached. Unlike lookups, a loader failure here is returned.
func (r *MetadataRegistry) Preload(ctx context.Context, tenantID uuid.UUID) (int, error) {
	schemas, err := r.loader.LoadAllEntities(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("load all entities: %w", err)
	}

	count := 0
	for _, schema := range schemas {
		if schema == nil || schema.Key == "" {
			continue
		}
		entity := r.convert(tenantID, schema)
		if entity == nil {
			continue
		}
		r.store(cacheKey{tenantID: tenantID, entity: entity.Name}, entity)
		count++
	}

	r.logger.Info("Preloaded registry cache",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("entities", count))
	return count, nil
}

// load fetches and converts one entity. It returns nil for every failure mode.
func (r *MetadataRegistry) load(ctx context.Context, tenantID uuid.UUID, name string) *models.EntityMetadata {
	var schema *models.EntitySchema
	loadOnce := func() error {
		s, err := r.loader.LoadEntity(ctx, tenantID, name)
		schema = s
		return err
	}

	var err error
	if r.cfg.Retry != nil {
		err = retry.DoIfRetryable(ctx, r.cfg.Retry, loadOnce)
	} else {
		err = loadOnce()
	}
	if err != nil {
		r.logger.Error("Failed to load entity metadata",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", name),
			zap.String("error", logging.SanitizeError(err)))
		return nil
	}
	if schema == nil {
		r.logger.Debug("Entity not found",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", name))
		return nil
	}
	if schema.Key == "" {
		named := *schema
		named.Key = name
		schema = &named
	}

	return r.convert(tenantID, schema)
}

func (r *MetadataRegistry) convert(tenantID uuid.UUID, schema *models.EntitySchema) *models.EntityMetadata {
	entity, warnings, err := ConvertEntitySchema(schema, r.cfg.StrictCardinality)
	if err != nil {
		r.logger.Error("Failed to convert entity schema",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", schema.Key),
			zap.Error(err))
		return nil
	}
	for _, w := range warnings {
		r.logger.Warn("Entity schema conversion warning",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", schema.Key),
			zap.String("warning", w))
	}
	return entity
}

func (r *MetadataRegistry) store(key cacheKey, entity *models.EntityMetadata) {
	r.mu.Lock()
	r.entries[key] = &cacheEntry[*models.EntityMetadata]{
		value:     entity,
		expiresAt: r.now().Add(r.cfg.TTL),
	}
	r.mu.Unlock()
}
