package models

// Relation kinds understood when converting stored schemas into registry metadata.
const (
	RelationKindBelongsTo      = "belongs_to"
	RelationKindHasOne         = "has_one"
	RelationKindHasMany        = "has_many"
	RelationKindHasManyThrough = "has_many_through"
	RelationKindM2M            = "m2m"
	RelationKindOneToOne       = "one_to_one"
	RelationKindOneToMany      = "one_to_many"
	RelationKindManyToOne      = "many_to_one"
	RelationKindManyToMany     = "many_to_many"
	RelationKind1To1           = "1:1"
	RelationKind1ToN           = "1:N"
	RelationKindNTo1           = "N:1"
	RelationKindNToM           = "N:M"
)

// EntitySchema is an entity as persisted by a metadata store, before it is
// converted into EntityMetadata.
type EntitySchema struct {
	Key         string           `json:"key" yaml:"key"`
	TableName   string           `json:"table_name" yaml:"table_name"`
	Fields      []SchemaField    `json:"fields" yaml:"fields"`
	ForeignKeys []ForeignKey     `json:"foreign_keys,omitempty" yaml:"foreign_keys"`
	Relations   []SchemaRelation `json:"relations,omitempty" yaml:"relations"`
}

// SchemaField is a single column of a stored entity.
type SchemaField struct {
	Name         string `json:"name" yaml:"name"`
	DataType     string `json:"data_type,omitempty" yaml:"data_type"`
	IsPrimaryKey bool   `json:"is_primary_key,omitempty" yaml:"primary_key"`
}

// SchemaRelation is a stored relation declaration. Kind uses the store's own
// vocabulary (see the RelationKind constants).
type SchemaRelation struct {
	Name         string `json:"name" yaml:"name"`
	Kind         string `json:"kind" yaml:"kind"`
	TargetEntity string `json:"target_entity" yaml:"target"`
	SourceField  string `json:"source_field" yaml:"source_field"`
	TargetField  string `json:"target_field" yaml:"target_field"`
	Virtual      bool   `json:"virtual,omitempty" yaml:"virtual"`
}
