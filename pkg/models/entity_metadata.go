package models

// Cardinality describes how many target rows a source row may join to.
type Cardinality string

const (
	CardinalityOneToOne   Cardinality = "one-to-one"
	CardinalityOneToMany  Cardinality = "one-to-many"
	CardinalityManyToOne  Cardinality = "many-to-one"
	CardinalityManyToMany Cardinality = "many-to-many"
)

// ImplicitRelationshipSuffix is appended to a foreign key field to name the
// relationship synthesized for it.
const ImplicitRelationshipSuffix = "_ref"

// EntityMetadata is the registry's view of one logical entity within a tenant.
// Values are treated as immutable once built; a refresh replaces them wholesale.
type EntityMetadata struct {
	Name          string               `json:"name" yaml:"name"`
	TableName     string               `json:"tableName" yaml:"table_name"`
	Fields        []string             `json:"fields" yaml:"fields"`
	PrimaryKey    []string             `json:"primaryKey" yaml:"primary_key"`
	ForeignKeys   []ForeignKey         `json:"foreignKeys,omitempty" yaml:"foreign_keys"`
	Relationships []EntityRelationship `json:"relationships,omitempty" yaml:"relationships"`
}

// HasField reports whether the entity declares the named field.
func (e *EntityMetadata) HasField(name string) bool {
	for _, f := range e.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// RelationshipTo returns a copy of the first relationship whose target is the
// given entity.
func (e *EntityMetadata) RelationshipTo(target string) (*EntityRelationship, bool) {
	for _, rel := range e.Relationships {
		if rel.TargetEntity == target {
			return &rel, true
		}
	}
	return nil, false
}

// ForeignKey is a field on an entity that references a field on another entity.
type ForeignKey struct {
	Field            string `json:"field" yaml:"field"`
	ReferencesEntity string `json:"referencesEntity" yaml:"references_entity"`
	ReferencesField  string `json:"referencesField" yaml:"references_field"`
}

// EntityRelationship is a declared (or FK-implied) navigable link from one
// entity to another. A join between two entities is only permitted when one of
// these exists from the join's source to its target.
type EntityRelationship struct {
	SourceEntity string      `json:"sourceEntity" yaml:"source_entity"`
	SourceField  string      `json:"sourceField" yaml:"source_field"`
	TargetEntity string      `json:"targetEntity" yaml:"target_entity"`
	TargetField  string      `json:"targetField" yaml:"target_field"`
	Cardinality  Cardinality `json:"cardinality" yaml:"cardinality"`
	Name         string      `json:"name" yaml:"name"`
	IsVirtual    bool        `json:"isVirtual" yaml:"is_virtual"`
}

// ImplicitRelationship builds the many-to-one relationship implied by a foreign key.
func ImplicitRelationship(source string, fk ForeignKey) EntityRelationship {
	return EntityRelationship{
		SourceEntity: source,
		SourceField:  fk.Field,
		TargetEntity: fk.ReferencesEntity,
		TargetField:  fk.ReferencesField,
		Cardinality:  CardinalityManyToOne,
		Name:         fk.Field + ImplicitRelationshipSuffix,
	}
}
