package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

func TestMapRelationKind(t *testing.T) {
	tests := []struct {
		kind string
		want models.Cardinality
	}{
		{"belongs_to", models.CardinalityManyToOne},
		{"BELONGS_TO", models.CardinalityManyToOne},
		{"N:1", models.CardinalityManyToOne},
		{"n:1", models.CardinalityManyToOne},
		{"has_many", models.CardinalityOneToMany},
		{"1:N", models.CardinalityOneToMany},
		{"has_one", models.CardinalityOneToOne},
		{"1:1", models.CardinalityOneToOne},
		{" m2m ", models.CardinalityManyToMany},
		{"has_many_through", models.CardinalityManyToMany},
		{"N:M", models.CardinalityManyToMany},
		{"many-to-one", models.CardinalityManyToOne},
		{"one-to-many", models.CardinalityOneToMany},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got, ok := MapRelationKind(tt.kind)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := MapRelationKind("sideways")
	assert.False(t, ok)
}

func TestConvertEntitySchema(t *testing.T) {
	schema := &models.EntitySchema{
		Key: "orders",
		Fields: []models.SchemaField{
			{Name: "id", IsPrimaryKey: true},
			{Name: "customer_id"},
			{Name: "shipper_id"},
		},
		ForeignKeys: []models.ForeignKey{
			{Field: "customer_id", ReferencesEntity: "customers", ReferencesField: "id"},
			{Field: "shipper_id", ReferencesEntity: "shippers", ReferencesField: "id"},
			{Field: "shipper_id", ReferencesEntity: "shippers", ReferencesField: "id"},
		},
		Relations: []models.SchemaRelation{
			{Name: "customer", Kind: "belongs_to", TargetEntity: "customers", SourceField: "customer_id", TargetField: "id", Virtual: true},
		},
	}

	entity, warnings, err := ConvertEntitySchema(schema, false)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "orders", entity.Name)
	assert.Equal(t, "orders", entity.TableName)
	assert.Equal(t, []string{"id", "customer_id", "shipper_id"}, entity.Fields)
	assert.Equal(t, []string{"id"}, entity.PrimaryKey)

	// The declared customer relation covers the customer_id foreign key, and the
	// duplicated shipper_id key yields one implicit relationship.
	require.Len(t, entity.Relationships, 2)
	assert.Equal(t, "customer", entity.Relationships[0].Name)
	assert.True(t, entity.Relationships[0].IsVirtual)
	assert.Equal(t, models.EntityRelationship{
		SourceEntity: "orders",
		SourceField:  "shipper_id",
		TargetEntity: "shippers",
		TargetField:  "id",
		Cardinality:  models.CardinalityManyToOne,
		Name:         "shipper_id_ref",
	}, entity.Relationships[1])
}

func TestConvertEntitySchema_SameTargetDifferentField(t *testing.T) {
	schema := &models.EntitySchema{
		Key:    "transfers",
		Fields: []models.SchemaField{{Name: "from_account_id"}, {Name: "to_account_id"}},
		ForeignKeys: []models.ForeignKey{
			{Field: "from_account_id", ReferencesEntity: "accounts", ReferencesField: "id"},
			{Field: "to_account_id", ReferencesEntity: "accounts", ReferencesField: "id"},
		},
	}

	entity, _, err := ConvertEntitySchema(schema, false)
	require.NoError(t, err)
	require.Len(t, entity.Relationships, 2)

	rel, ok := entity.RelationshipTo("accounts")
	require.True(t, ok)
	assert.Equal(t, "from_account_id_ref", rel.Name)
}

func TestConvertEntitySchema_UnknownKind(t *testing.T) {
	schema := &models.EntitySchema{
		Key: "orders",
		Relations: []models.SchemaRelation{
			{Name: "odd", Kind: "polymorphic", TargetEntity: "things", SourceField: "thing_id", TargetField: "id"},
		},
	}

	entity, warnings, err := ConvertEntitySchema(schema, false)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "polymorphic")
	assert.Equal(t, models.CardinalityManyToOne, entity.Relationships[0].Cardinality)

	_, _, err = ConvertEntitySchema(schema, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polymorphic")
}

func TestConvertEntitySchema_Nil(t *testing.T) {
	_, _, err := ConvertEntitySchema(nil, false)
	assert.Error(t, err)
}
