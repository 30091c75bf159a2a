package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// DefaultSchemaCacheTTL is how long a schema stays in Redis.
const DefaultSchemaCacheTTL = 5 * time.Minute

// RedisSchemaCache is a MetadataLoader decorator that shares loaded schemas
// across instances through Redis. Redis failures are logged and the wrapped
// loader is used instead; they never fail a load.
type RedisSchemaCache struct {
	next   MetadataLoader
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSchemaCache wraps next. A non-positive ttl uses DefaultSchemaCacheTTL.
func NewRedisSchemaCache(next MetadataLoader, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisSchemaCache {
	if ttl <= 0 {
		ttl = DefaultSchemaCacheTTL
	}
	return &RedisSchemaCache{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.Named("schema-cache"),
	}
}

var (
	_ MetadataLoader     = (*RedisSchemaCache)(nil)
	_ InvalidatingLoader = (*RedisSchemaCache)(nil)
)

func schemaCacheKey(tenantID uuid.UUID, entityKey string) string {
	return fmt.Sprintf("schema:%s:%s", tenantID, entityKey)
}

func (c *RedisSchemaCache) LoadEntity(ctx context.Context, tenantID uuid.UUID, entityKey string) (*models.EntitySchema, error) {
	key := schemaCacheKey(tenantID, entityKey)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var schema models.EntitySchema
		jsonErr := json.Unmarshal(data, &schema)
		if jsonErr == nil {
			return &schema, nil
		}
		c.logger.Warn("Discarding unreadable cached schema",
			zap.String("key", key),
			zap.Error(jsonErr))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Schema cache read failed",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)))
	}

	schema, err := c.next.LoadEntity(ctx, tenantID, entityKey)
	if err != nil || schema == nil {
		return schema, err
	}
	c.put(ctx, tenantID, schema)
	return schema, nil
}

// LoadAllEntities always reads the wrapped loader and refreshes Redis with
// the result.
func (c *RedisSchemaCache) LoadAllEntities(ctx context.Context, tenantID uuid.UUID) ([]*models.EntitySchema, error) {
	schemas, err := c.next.LoadAllEntities(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, schema := range schemas {
		if schema != nil && schema.Key != "" {
			c.put(ctx, tenantID, schema)
		}
	}
	return schemas, nil
}

// InvalidateEntity removes one cached schema.
func (c *RedisSchemaCache) InvalidateEntity(ctx context.Context, tenantID uuid.UUID, entityKey string) error {
	if err := c.client.Del(ctx, schemaCacheKey(tenantID, entityKey)).Err(); err != nil {
		return fmt.Errorf("delete cached schema: %w", err)
	}
	return nil
}

func (c *RedisSchemaCache) put(ctx context.Context, tenantID uuid.UUID, schema *models.EntitySchema) {
	key := schemaCacheKey(tenantID, schema.Key)
	data, err := json.Marshal(schema)
	if err != nil {
		c.logger.Warn("Failed to encode schema for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Schema cache write failed",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)))
	}
}
