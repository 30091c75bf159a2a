package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/database"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// EntitySchemaRepository provides data access for the stored entity metadata
// the query planner reads. All methods require a tenant scope in ctx.
type EntitySchemaRepository interface {
	// GetEntity returns one entity with its fields, foreign keys and relations.
	// Returns apperrors.ErrNotFound when the entity does not exist.
	GetEntity(ctx context.Context, projectID uuid.UUID, entityKey string) (*models.EntitySchema, error)
	// ListEntities returns every entity of the project ordered by key.
	ListEntities(ctx context.Context, projectID uuid.UUID) ([]*models.EntitySchema, error)
	// UpsertEntity replaces an entity and all of its fields and relations.
	UpsertEntity(ctx context.Context, projectID uuid.UUID, schema *models.EntitySchema) error
	// DeleteEntity removes an entity. Returns apperrors.ErrNotFound when absent.
	DeleteEntity(ctx context.Context, projectID uuid.UUID, entityKey string) error
}

type entitySchemaRepository struct{}

// NewEntitySchemaRepository creates a new EntitySchemaRepository.
func NewEntitySchemaRepository() EntitySchemaRepository {
	return &entitySchemaRepository{}
}

var _ EntitySchemaRepository = (*entitySchemaRepository)(nil)

func (r *entitySchemaRepository) GetEntity(ctx context.Context, projectID uuid.UUID, entityKey string) (*models.EntitySchema, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	schema := &models.EntitySchema{Key: entityKey}
	err := scope.Conn.QueryRow(ctx, `
		SELECT table_name
		FROM engine_query_entities
		WHERE project_id = $1 AND entity_key = $2`,
		projectID, entityKey).Scan(&schema.TableName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	byKey := map[string]*models.EntitySchema{entityKey: schema}
	if err := r.loadFields(ctx, scope, projectID, &entityKey, byKey); err != nil {
		return nil, err
	}
	if err := r.loadRelations(ctx, scope, projectID, &entityKey, byKey); err != nil {
		return nil, err
	}
	return schema, nil
}

func (r *entitySchemaRepository) ListEntities(ctx context.Context, projectID uuid.UUID) ([]*models.EntitySchema, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT entity_key, table_name
		FROM engine_query_entities
		WHERE project_id = $1
		ORDER BY entity_key`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var schemas []*models.EntitySchema
	byKey := make(map[string]*models.EntitySchema)
	for rows.Next() {
		s := &models.EntitySchema{}
		if err := rows.Scan(&s.Key, &s.TableName); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		schemas = append(schemas, s)
		byKey[s.Key] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	if err := r.loadFields(ctx, scope, projectID, nil, byKey); err != nil {
		return nil, err
	}
	if err := r.loadRelations(ctx, scope, projectID, nil, byKey); err != nil {
		return nil, err
	}
	return schemas, nil
}

// loadFields attaches fields and foreign keys. entityKey narrows the query to
// one entity when set.
func (r *entitySchemaRepository) loadFields(ctx context.Context, scope *database.TenantScope, projectID uuid.UUID, entityKey *string, byKey map[string]*models.EntitySchema) error {
	rows, err := scope.Conn.Query(ctx, `
		SELECT entity_key, name, data_type, is_primary_key, references_entity, references_field
		FROM engine_query_entity_fields
		WHERE project_id = $1 AND ($2::text IS NULL OR entity_key = $2)
		ORDER BY entity_key, ordinal, name`, projectID, entityKey)
	if err != nil {
		return fmt.Errorf("failed to query entity fields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key                 string
			field               models.SchemaField
			refEntity, refField *string
		)
		if err := rows.Scan(&key, &field.Name, &field.DataType, &field.IsPrimaryKey, &refEntity, &refField); err != nil {
			return fmt.Errorf("failed to scan entity field: %w", err)
		}
		s, ok := byKey[key]
		if !ok {
			continue
		}
		s.Fields = append(s.Fields, field)
		if refEntity != nil && *refEntity != "" {
			fk := models.ForeignKey{Field: field.Name, ReferencesEntity: *refEntity, ReferencesField: "id"}
			if refField != nil && *refField != "" {
				fk.ReferencesField = *refField
			}
			s.ForeignKeys = append(s.ForeignKeys, fk)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating entity fields: %w", err)
	}
	return nil
}

func (r *entitySchemaRepository) loadRelations(ctx context.Context, scope *database.TenantScope, projectID uuid.UUID, entityKey *string, byKey map[string]*models.EntitySchema) error {
	rows, err := scope.Conn.Query(ctx, `
		SELECT entity_key, name, kind, target_entity, source_field, target_field, is_virtual
		FROM engine_query_entity_relations
		WHERE project_id = $1 AND ($2::text IS NULL OR entity_key = $2)
		ORDER BY entity_key, ordinal, name`, projectID, entityKey)
	if err != nil {
		return fmt.Errorf("failed to query entity relations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			rel models.SchemaRelation
		)
		if err := rows.Scan(&key, &rel.Name, &rel.Kind, &rel.TargetEntity, &rel.SourceField, &rel.TargetField, &rel.Virtual); err != nil {
			return fmt.Errorf("failed to scan entity relation: %w", err)
		}
		if s, ok := byKey[key]; ok {
			s.Relations = append(s.Relations, rel)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating entity relations: %w", err)
	}
	return nil
}

func (r *entitySchemaRepository) UpsertEntity(ctx context.Context, projectID uuid.UUID, schema *models.EntitySchema) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}
	if schema == nil || schema.Key == "" {
		return fmt.Errorf("%w: entity key is required", apperrors.ErrInvalidRequest)
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO engine_query_entities (project_id, entity_key, table_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, entity_key)
		DO UPDATE SET table_name = EXCLUDED.table_name, updated_at = now()`,
		projectID, schema.Key, schema.TableName)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM engine_query_entity_fields WHERE project_id = $1 AND entity_key = $2`,
		`DELETE FROM engine_query_entity_relations WHERE project_id = $1 AND entity_key = $2`,
	} {
		if _, err := tx.Exec(ctx, stmt, projectID, schema.Key); err != nil {
			return fmt.Errorf("failed to clear entity details: %w", err)
		}
	}

	refs := make(map[string]models.ForeignKey, len(schema.ForeignKeys))
	for _, fk := range schema.ForeignKeys {
		refs[fk.Field] = fk
	}

	batch := &pgx.Batch{}
	for i, f := range schema.Fields {
		var refEntity, refField *string
		if fk, ok := refs[f.Name]; ok {
			refEntity, refField = &fk.ReferencesEntity, &fk.ReferencesField
		}
		batch.Queue(`
			INSERT INTO engine_query_entity_fields
				(project_id, entity_key, name, data_type, is_primary_key, ordinal, references_entity, references_field)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			projectID, schema.Key, f.Name, f.DataType, f.IsPrimaryKey, i, refEntity, refField)
	}
	for i, rel := range schema.Relations {
		batch.Queue(`
			INSERT INTO engine_query_entity_relations
				(project_id, entity_key, name, kind, target_entity, source_field, target_field, is_virtual, ordinal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			projectID, schema.Key, rel.Name, rel.Kind, rel.TargetEntity, rel.SourceField, rel.TargetField, rel.Virtual, i)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write entity details: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit entity: %w", err)
	}
	return nil
}

func (r *entitySchemaRepository) DeleteEntity(ctx context.Context, projectID uuid.UUID, entityKey string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `
		DELETE FROM engine_query_entities
		WHERE project_id = $1 AND entity_key = $2`, projectID, entityKey)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
