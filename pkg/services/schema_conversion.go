package services

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// relationKindCardinality maps every relation kind a metadata store may use to
// the registry's cardinality. Keys are lowercase.
var relationKindCardinality = map[string]models.Cardinality{
	models.RelationKindBelongsTo:             models.CardinalityManyToOne,
	models.RelationKindManyToOne:             models.CardinalityManyToOne,
	strings.ToLower(models.RelationKindNTo1): models.CardinalityManyToOne,
	models.RelationKindHasMany:               models.CardinalityOneToMany,
	models.RelationKindOneToMany:             models.CardinalityOneToMany,
	strings.ToLower(models.RelationKind1ToN): models.CardinalityOneToMany,
	models.RelationKindHasOne:                models.CardinalityOneToOne,
	models.RelationKindOneToOne:              models.CardinalityOneToOne,
	models.RelationKind1To1:                  models.CardinalityOneToOne,
	models.RelationKindM2M:                   models.CardinalityManyToMany,
	models.RelationKindManyToMany:            models.CardinalityManyToMany,
	models.RelationKindHasManyThrough:        models.CardinalityManyToMany,
	strings.ToLower(models.RelationKindNToM): models.CardinalityManyToMany,
	string(models.CardinalityOneToOne):       models.CardinalityOneToOne,
	string(models.CardinalityOneToMany):      models.CardinalityOneToMany,
	string(models.CardinalityManyToOne):      models.CardinalityManyToOne,
	string(models.CardinalityManyToMany):     models.CardinalityManyToMany,
}

// MapRelationKind returns the cardinality for a stored relation kind.
func MapRelationKind(kind string) (models.Cardinality, bool) {
	c, ok := relationKindCardinality[strings.ToLower(strings.TrimSpace(kind))]
	return c, ok
}

// ConvertEntitySchema turns a stored schema into registry metadata.
//
// Declared relations are converted first. Foreign keys then contribute an
// implicit many-to-one relationship named "{field}_ref" unless a relationship
// with the same (target entity, source field) already exists.
//
// A relation kind with no mapping becomes many-to-one and is reported in the
// returned warnings. When strict is set it fails the conversion instead.
func ConvertEntitySchema(schema *models.EntitySchema, strict bool) (*models.EntityMetadata, []string, error) {
	if schema == nil {
		return nil, nil, fmt.Errorf("nil entity schema")
	}

	entity := &models.EntityMetadata{
		Name:        schema.Key,
		TableName:   schema.TableName,
		Fields:      make([]string, 0, len(schema.Fields)),
		ForeignKeys: append([]models.ForeignKey(nil), schema.ForeignKeys...),
	}
	if entity.TableName == "" {
		entity.TableName = schema.Key
	}
	for _, f := range schema.Fields {
		entity.Fields = append(entity.Fields, f.Name)
		if f.IsPrimaryKey {
			entity.PrimaryKey = append(entity.PrimaryKey, f.Name)
		}
	}

	var warnings []string
	declared := make([]models.EntityRelationship, 0, len(schema.Relations))
	for _, rel := range schema.Relations {
		cardinality, ok := MapRelationKind(rel.Kind)
		if !ok {
			if strict {
				return nil, nil, fmt.Errorf("relation %q on %s: unknown kind %q", rel.Name, schema.Key, rel.Kind)
			}
			cardinality = models.CardinalityManyToOne
			warnings = append(warnings, fmt.Sprintf("relation %q has unknown kind %q, treated as %s", rel.Name, rel.Kind, cardinality))
		}
		declared = append(declared, models.EntityRelationship{
			SourceEntity: schema.Key,
			SourceField:  rel.SourceField,
			TargetEntity: rel.TargetEntity,
			TargetField:  rel.TargetField,
			Cardinality:  cardinality,
			Name:         rel.Name,
			IsVirtual:    rel.Virtual,
		})
	}

	entity.Relationships = mergeImplicitRelationships(schema.Key, declared, schema.ForeignKeys)
	return entity, warnings, nil
}

type relationshipKey struct {
	targetEntity string
	sourceField  string
}

// mergeImplicitRelationships appends one relationship per foreign key not
// already covered by a declared relationship. Declared relationships keep
// their position so they win lookups by target.
func mergeImplicitRelationships(source string, declared []models.EntityRelationship, fks []models.ForeignKey) []models.EntityRelationship {
	seen := make(map[relationshipKey]bool, len(declared)+len(fks))
	merged := make([]models.EntityRelationship, 0, len(declared)+len(fks))
	for _, rel := range declared {
		seen[relationshipKey{rel.TargetEntity, rel.SourceField}] = true
		merged = append(merged, rel)
	}
	for _, fk := range fks {
		key := relationshipKey{fk.ReferencesEntity, fk.Field}
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, models.ImplicitRelationship(source, fk))
	}
	return merged
}
