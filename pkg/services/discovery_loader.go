package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// DiscoveryLoader builds entity schemas by introspecting a live datasource.
// Every table becomes an entity keyed by its table name. A foreign key yields
// a belongs_to relation on the referencing table, named after the singular
// target, and a has_many relation on the referenced table, named after the
// plural source.
//
// The datasource is shared by all tenants; tenantID only labels log lines.
type DiscoveryLoader struct {
	discoverer datasource.SchemaDiscoverer
	schemaName string
	logger     *zap.Logger
}

// NewDiscoveryLoader creates a loader over discoverer. An empty schemaName
// discovers every non-system schema.
func NewDiscoveryLoader(discoverer datasource.SchemaDiscoverer, schemaName string, logger *zap.Logger) *DiscoveryLoader {
	return &DiscoveryLoader{
		discoverer: discoverer,
		schemaName: schemaName,
		logger:     logger.Named("discovery-loader"),
	}
}

var _ MetadataLoader = (*DiscoveryLoader)(nil)

// LoadEntity returns nil, nil when no table is named entityKey.
func (l *DiscoveryLoader) LoadEntity(ctx context.Context, tenantID uuid.UUID, entityKey string) (*models.EntitySchema, error) {
	schemas, err := l.discover(ctx, tenantID, entityKey)
	if err != nil {
		return nil, err
	}
	if len(schemas) == 0 {
		return nil, nil
	}
	return schemas[0], nil
}

func (l *DiscoveryLoader) LoadAllEntities(ctx context.Context, tenantID uuid.UUID) ([]*models.EntitySchema, error) {
	return l.discover(ctx, tenantID, "")
}

// discover introspects the datasource. When only is set, columns are read
// for that table alone.
func (l *DiscoveryLoader) discover(ctx context.Context, tenantID uuid.UUID, only string) ([]*models.EntitySchema, error) {
	tables, err := l.discoverer.DiscoverTables(ctx, l.schemaName)
	if err != nil {
		return nil, fmt.Errorf("discover tables: %w", err)
	}

	tableSchema := make(map[string]string, len(tables))
	var order []string
	for _, t := range tables {
		if prev, dup := tableSchema[t.TableName]; dup {
			l.logger.Warn("Table name appears in more than one schema, keeping the first",
				zap.String("table", t.TableName),
				zap.String("kept_schema", prev),
				zap.String("skipped_schema", t.SchemaName))
			continue
		}
		tableSchema[t.TableName] = t.SchemaName
		order = append(order, t.TableName)
	}

	if only != "" {
		if _, ok := tableSchema[only]; !ok {
			return nil, nil
		}
		order = []string{only}
	}

	byKey := make(map[string]*models.EntitySchema, len(order))
	schemas := make([]*models.EntitySchema, 0, len(order))
	for _, table := range order {
		columns, err := l.discoverer.DiscoverColumns(ctx, tableSchema[table], table)
		if err != nil {
			return nil, fmt.Errorf("discover columns of %s: %w", table, err)
		}
		schema := &models.EntitySchema{
			Key:       table,
			TableName: table,
			Fields:    make([]models.SchemaField, 0, len(columns)),
		}
		for _, c := range columns {
			schema.Fields = append(schema.Fields, models.SchemaField{
				Name:         c.ColumnName,
				DataType:     c.DataType,
				IsPrimaryKey: c.IsPrimaryKey,
			})
		}
		byKey[table] = schema
		schemas = append(schemas, schema)
	}

	fks, err := l.discoverer.DiscoverForeignKeys(ctx, l.schemaName)
	if err != nil {
		return nil, fmt.Errorf("discover foreign keys: %w", err)
	}
	for _, fk := range fks {
		if tableSchema[fk.SourceTable] != fk.SourceSchema || tableSchema[fk.TargetTable] != fk.TargetSchema {
			continue
		}
		if source, ok := byKey[fk.SourceTable]; ok {
			source.ForeignKeys = append(source.ForeignKeys, models.ForeignKey{
				Field:            fk.SourceColumn,
				ReferencesEntity: fk.TargetTable,
				ReferencesField:  fk.TargetColumn,
			})
			source.Relations = append(source.Relations, models.SchemaRelation{
				Name:         uniqueRelationName(source, inflection.Singular(fk.TargetTable), fk.SourceColumn),
				Kind:         models.RelationKindBelongsTo,
				TargetEntity: fk.TargetTable,
				SourceField:  fk.SourceColumn,
				TargetField:  fk.TargetColumn,
			})
		}
		if target, ok := byKey[fk.TargetTable]; ok {
			target.Relations = append(target.Relations, models.SchemaRelation{
				Name:         uniqueRelationName(target, inflection.Plural(fk.SourceTable), fk.SourceColumn),
				Kind:         models.RelationKindHasMany,
				TargetEntity: fk.SourceTable,
				SourceField:  fk.TargetColumn,
				TargetField:  fk.SourceColumn,
			})
		}
	}

	l.logger.Debug("Discovered entity schemas",
		zap.String("tenant_id", tenantID.String()),
		zap.String("only", only),
		zap.Int("entities", len(schemas)),
		zap.Int("foreign_keys", len(fks)))
	return schemas, nil
}

// uniqueRelationName returns name unless the entity already has a relation by
// that name, in which case the column stem qualifies it ("customer" becomes
// "customer_billing_customer" for billing_customer_id).
func uniqueRelationName(schema *models.EntitySchema, name, column string) string {
	taken := func(n string) bool {
		for _, rel := range schema.Relations {
			if rel.Name == n {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	return name + "_" + strings.TrimSuffix(column, "_id")
}
