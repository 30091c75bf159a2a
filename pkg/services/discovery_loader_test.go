package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

type fakeDiscoverer struct {
	tables  []datasource.TableMetadata
	columns map[string][]datasource.ColumnMetadata
	fks     []datasource.ForeignKeyMetadata

	tablesErr error
	fkErr     error

	columnCalls []string
}

func (f *fakeDiscoverer) DiscoverTables(context.Context, string) ([]datasource.TableMetadata, error) {
	return f.tables, f.tablesErr
}

func (f *fakeDiscoverer) DiscoverColumns(_ context.Context, _ string, table string) ([]datasource.ColumnMetadata, error) {
	f.columnCalls = append(f.columnCalls, table)
	return f.columns[table], nil
}

func (f *fakeDiscoverer) DiscoverForeignKeys(context.Context, string) ([]datasource.ForeignKeyMetadata, error) {
	return f.fks, f.fkErr
}

func (f *fakeDiscoverer) Close() error { return nil }

func idColumn() datasource.ColumnMetadata {
	return datasource.ColumnMetadata{ColumnName: "id", DataType: "bigint", IsPrimaryKey: true, OrdinalPosition: 1}
}

func newShopDiscoverer() *fakeDiscoverer {
	fk := func(src, col, dst string) datasource.ForeignKeyMetadata {
		return datasource.ForeignKeyMetadata{
			ConstraintName: src + "_" + col + "_fkey",
			SourceSchema:   "public", SourceTable: src, SourceColumn: col,
			TargetSchema: "public", TargetTable: dst, TargetColumn: "id",
		}
	}
	return &fakeDiscoverer{
		tables: []datasource.TableMetadata{
			{SchemaName: "public", TableName: "addresses"},
			{SchemaName: "public", TableName: "customers"},
			{SchemaName: "public", TableName: "orders"},
			{SchemaName: "archive", TableName: "orders"},
		},
		columns: map[string][]datasource.ColumnMetadata{
			"addresses": {idColumn(), {ColumnName: "city", DataType: "text"}},
			"customers": {idColumn(), {ColumnName: "email", DataType: "text"}},
			"orders": {
				idColumn(),
				{ColumnName: "customer_id", DataType: "bigint"},
				{ColumnName: "billing_address_id", DataType: "bigint"},
				{ColumnName: "shipping_address_id", DataType: "bigint"},
			},
		},
		fks: []datasource.ForeignKeyMetadata{
			fk("orders", "customer_id", "customers"),
			fk("orders", "billing_address_id", "addresses"),
			fk("orders", "shipping_address_id", "addresses"),
			{SourceSchema: "public", SourceTable: "orders", SourceColumn: "legacy_id", TargetSchema: "archive", TargetTable: "orders", TargetColumn: "id"},
		},
	}
}

func TestDiscoveryLoader_LoadAllEntities(t *testing.T) {
	loader := NewDiscoveryLoader(newShopDiscoverer(), "", zap.NewNop())

	schemas, err := loader.LoadAllEntities(context.Background(), testTenantID)
	require.NoError(t, err)
	require.Len(t, schemas, 3)

	byKey := make(map[string]*models.EntitySchema)
	for _, s := range schemas {
		byKey[s.Key] = s
		assert.Equal(t, s.Key, s.TableName)
	}

	orders := byKey["orders"]
	require.NotNil(t, orders)
	assert.Len(t, orders.Fields, 4)
	assert.True(t, orders.Fields[0].IsPrimaryKey)
	assert.Len(t, orders.ForeignKeys, 3)

	names := make([]string, 0, len(orders.Relations))
	for _, rel := range orders.Relations {
		assert.Equal(t, models.RelationKindBelongsTo, rel.Kind)
		assert.False(t, rel.Virtual)
		names = append(names, rel.Name)
	}
	assert.Equal(t, []string{"customer", "address", "address_shipping_address"}, names)

	customers := byKey["customers"]
	require.Len(t, customers.Relations, 1)
	assert.Equal(t, models.SchemaRelation{
		Name:         "orders",
		Kind:         models.RelationKindHasMany,
		TargetEntity: "orders",
		SourceField:  "id",
		TargetField:  "customer_id",
	}, customers.Relations[0])

	addresses := byKey["addresses"]
	require.Len(t, addresses.Relations, 2)
	assert.Equal(t, "orders", addresses.Relations[0].Name)
	assert.Equal(t, "orders_shipping_address", addresses.Relations[1].Name)
}

func TestDiscoveryLoader_LoadEntity(t *testing.T) {
	d := newShopDiscoverer()
	loader := NewDiscoveryLoader(d, "public", zap.NewNop())

	schema, err := loader.LoadEntity(context.Background(), testTenantID, "customers")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, "customers", schema.Key)
	assert.Equal(t, []string{"customers"}, d.columnCalls)
	require.Len(t, schema.Relations, 1)
	assert.Equal(t, models.RelationKindHasMany, schema.Relations[0].Kind)

	missing, err := loader.LoadEntity(context.Background(), testTenantID, "invoices")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDiscoveryLoader_Errors(t *testing.T) {
	d := newShopDiscoverer()
	d.tablesErr = errors.New("connection refused")
	loader := NewDiscoveryLoader(d, "", zap.NewNop())

	_, err := loader.LoadAllEntities(context.Background(), testTenantID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discover tables")

	d = newShopDiscoverer()
	d.fkErr = errors.New("permission denied")
	loader = NewDiscoveryLoader(d, "", zap.NewNop())

	_, err = loader.LoadEntity(context.Background(), testTenantID, "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discover foreign keys")
}

func TestDiscoveryLoader_FeedsMetadataRegistry(t *testing.T) {
	loader := NewDiscoveryLoader(newShopDiscoverer(), "", zap.NewNop())
	registry := NewMetadataRegistry(loader, MetadataRegistryConfig{TTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	rel, ok := registry.GetRelationship(ctx, testTenantID, "customers", "orders")
	require.True(t, ok)
	assert.Equal(t, models.CardinalityOneToMany, rel.Cardinality)

	rel, ok = registry.GetRelationship(ctx, testTenantID, "orders", "customers")
	require.True(t, ok)
	assert.Equal(t, models.CardinalityManyToOne, rel.Cardinality)
	assert.Equal(t, "customer_id", rel.SourceField)

	planner := newTestPlanner(t, registry)
	result := planner.PlanJoins(ctx, &models.QueryRequest{
		From:   "customers",
		Select: []string{"c.email", "o.id"},
		Joins:  []models.JoinDefinition{{Type: models.JoinTypeInner, Entity: "orders", As: "o", On: "c.id = o.customer_id"}},
		Limit:  10,
	}, testTenantID)
	assert.True(t, result.Validation.Valid, "errors: %v", result.Validation.Errors)
}
