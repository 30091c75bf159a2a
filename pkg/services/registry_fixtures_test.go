package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

var testTenantID = uuid.MustParse("11111111-1111-1111-1111-111111111111")

// commerceSchemas is a small order-management schema:
//
//	orders -> customers -> regions -> countries
//	orders -> products
//	warehouses (no relationships)
func commerceSchemas() []*models.EntitySchema {
	return []*models.EntitySchema{
		{
			Key:       "orders",
			TableName: "sales_orders",
			Fields: []models.SchemaField{
				{Name: "id", DataType: "uuid", IsPrimaryKey: true},
				{Name: "customer_id", DataType: "uuid"},
				{Name: "product_id", DataType: "uuid"},
				{Name: "status", DataType: "text"},
				{Name: "total", DataType: "numeric"},
			},
			ForeignKeys: []models.ForeignKey{
				{Field: "product_id", ReferencesEntity: "products", ReferencesField: "id"},
			},
			Relations: []models.SchemaRelation{
				{Name: "customer", Kind: models.RelationKindBelongsTo, TargetEntity: "customers", SourceField: "customer_id", TargetField: "id"},
			},
		},
		{
			Key:       "customers",
			TableName: "crm_customers",
			Fields: []models.SchemaField{
				{Name: "id", DataType: "uuid", IsPrimaryKey: true},
				{Name: "name", DataType: "text"},
				{Name: "email", DataType: "text"},
				{Name: "region_id", DataType: "uuid"},
			},
			ForeignKeys: []models.ForeignKey{
				{Field: "region_id", ReferencesEntity: "regions", ReferencesField: "id"},
			},
		},
		{
			Key: "regions",
			Fields: []models.SchemaField{
				{Name: "id", IsPrimaryKey: true},
				{Name: "name"},
				{Name: "country_id"},
			},
			ForeignKeys: []models.ForeignKey{
				{Field: "country_id", ReferencesEntity: "countries", ReferencesField: "id"},
			},
		},
		{
			Key: "countries",
			Fields: []models.SchemaField{
				{Name: "id", IsPrimaryKey: true},
				{Name: "name"},
			},
		},
		{
			Key: "products",
			Fields: []models.SchemaField{
				{Name: "id", IsPrimaryKey: true},
				{Name: "name"},
				{Name: "price"},
			},
		},
		{
			Key: "warehouses",
			Fields: []models.SchemaField{
				{Name: "id", IsPrimaryKey: true},
				{Name: "name"},
			},
		},
	}
}

func newCommerceRegistry(t *testing.T) *StaticRegistry {
	t.Helper()
	registry := NewStaticRegistry()
	for _, schema := range commerceSchemas() {
		entity, _, err := ConvertEntitySchema(schema, true)
		if err != nil {
			t.Fatalf("convert %s: %v", schema.Key, err)
		}
		registry.RegisterEntity(entity)
	}
	return registry
}

func newTestPlanner(t *testing.T, registry RelationshipRegistry) JoinPlanner {
	t.Helper()
	return NewJoinPlanner(registry, models.DefaultQueryGuardrails(), zap.NewNop())
}

// fakeLoader serves schemas from memory and counts calls. When err is set it is
// returned for the next failures calls, or for every call when failures < 0.
type fakeLoader struct {
	mu       sync.Mutex
	schemas  map[uuid.UUID]map[string]*models.EntitySchema
	err      error
	failures int
	calls    int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{schemas: make(map[uuid.UUID]map[string]*models.EntitySchema)}
}

func (l *fakeLoader) put(tenantID uuid.UUID, schemas ...*models.EntitySchema) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.schemas[tenantID] == nil {
		l.schemas[tenantID] = make(map[string]*models.EntitySchema)
	}
	for _, s := range schemas {
		l.schemas[tenantID][s.Key] = s
	}
}

func (l *fakeLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLoader) LoadEntity(_ context.Context, tenantID uuid.UUID, entityKey string) (*models.EntitySchema, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil && l.failures != 0 {
		if l.failures > 0 {
			l.failures--
		}
		return nil, l.err
	}
	return l.schemas[tenantID][entityKey], nil
}

func (l *fakeLoader) LoadAllEntities(_ context.Context, tenantID uuid.UUID) ([]*models.EntitySchema, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil && l.failures != 0 {
		return nil, l.err
	}
	out := make([]*models.EntitySchema, 0, len(l.schemas[tenantID]))
	for _, s := range l.schemas[tenantID] {
		out = append(out, s)
	}
	return out, nil
}
