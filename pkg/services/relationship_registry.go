package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// RelationshipRegistry answers the two questions the planner asks about a
// tenant's schema. An absent result means "unknown"; lookups never fail.
type RelationshipRegistry interface {
	// GetEntity returns the metadata for a logical entity name.
	GetEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, bool)

	// GetRelationship returns the first declared relationship from source to target.
	// A join from source to target is permitted iff this returns present.
	GetRelationship(ctx context.Context, tenantID uuid.UUID, source, target string) (*models.EntityRelationship, bool)
}

// RefreshableRegistry is implemented by registries that cache metadata.
type RefreshableRegistry interface {
	RelationshipRegistry

	// RefreshEntity drops any cached copy of the entity and reloads it.
	RefreshEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, bool)

	// ClearCache drops every cached entity for every tenant.
	ClearCache()
}

// StaticRegistry is an in-memory registry populated up front. It ignores the
// tenant and never expires anything; it backs tests and single-tenant deployments
// configured from a YAML file.
type StaticRegistry struct {
	mu                    sync.RWMutex
	entities              map[string]*models.EntityMetadata
	relationshipsBySource map[string][]models.EntityRelationship
}

// NewStaticRegistry creates an empty StaticRegistry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		entities:              make(map[string]*models.EntityMetadata),
		relationshipsBySource: make(map[string][]models.EntityRelationship),
	}
}

var _ RelationshipRegistry = (*StaticRegistry)(nil)

// RegisterEntity adds or replaces an entity. The entity's own relationships
// replace any previously indexed for it.
func (r *StaticRegistry) RegisterEntity(entity *models.EntityMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities[entity.Name] = entity
	r.relationshipsBySource[entity.Name] = append([]models.EntityRelationship(nil), entity.Relationships...)
}

// AddRelationship declares an additional relationship from rel.SourceEntity.
func (r *StaticRegistry) AddRelationship(rel models.EntityRelationship) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.relationshipsBySource[rel.SourceEntity] = append(r.relationshipsBySource[rel.SourceEntity], rel)
}

// RemoveRelationship removes every relationship from source to target and
// returns how many were removed.
func (r *StaticRegistry) RemoveRelationship(source, target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rels := r.relationshipsBySource[source]
	kept := rels[:0:0]
	for _, rel := range rels {
		if rel.TargetEntity != target {
			kept = append(kept, rel)
		}
	}
	r.relationshipsBySource[source] = kept
	return len(rels) - len(kept)
}

// Entities returns the registered entity names in sorted order.
func (r *StaticRegistry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *StaticRegistry) GetEntity(_ context.Context, _ uuid.UUID, name string) (*models.EntityMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entity, ok := r.entities[name]
	return entity, ok
}

func (r *StaticRegistry) GetRelationship(_ context.Context, _ uuid.UUID, source, target string) (*models.EntityRelationship, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rel := range r.relationshipsBySource[source] {
		if rel.TargetEntity == target {
			return &rel, true
		}
	}
	return nil, false
}

// staticRegistryFile is the YAML document accepted by LoadStaticRegistry.
type staticRegistryFile struct {
	Entities []*models.EntitySchema `yaml:"entities"`
}

// LoadStaticRegistry builds a StaticRegistry from a YAML document listing entity
// schemas. Schemas go through the same conversion as loader output, so foreign
// keys yield implicit relationships here too.
func LoadStaticRegistry(r io.Reader, logger *zap.Logger) (*StaticRegistry, error) {
	var doc staticRegistryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode registry file: %w", err)
	}

	registry := NewStaticRegistry()
	for i, schema := range doc.Entities {
		if schema == nil || schema.Key == "" {
			return nil, fmt.Errorf("entities[%d]: key is required", i)
		}
		entity, warnings, err := ConvertEntitySchema(schema, false)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		for _, w := range warnings {
			logger.Warn("Registry file conversion warning",
				zap.String("entity", schema.Key),
				zap.String("warning", w))
		}
		registry.RegisterEntity(entity)
	}

	logger.Info("Loaded static registry", zap.Int("entities", len(doc.Entities)))
	return registry, nil
}

// LoadStaticRegistryFile opens path and calls LoadStaticRegistry.
func LoadStaticRegistryFile(path string, logger *zap.Logger) (*StaticRegistry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry file: %w", err)
	}
	defer f.Close()

	return LoadStaticRegistry(f, logger.Named("static-registry"))
}
