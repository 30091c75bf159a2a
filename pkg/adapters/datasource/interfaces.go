package datasource

import "context"

// SchemaDiscoverer introspects a live datasource so its tables can be served
// as query entities.
type SchemaDiscoverer interface {
	// DiscoverTables returns user tables. An empty schemaName means every
	// non-system schema.
	DiscoverTables(ctx context.Context, schemaName string) ([]TableMetadata, error)

	// DiscoverColumns returns the columns of one table in ordinal order.
	DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]ColumnMetadata, error)

	// DiscoverForeignKeys returns single-column foreign keys whose source table
	// lives in schemaName (all non-system schemas when empty).
	DiscoverForeignKeys(ctx context.Context, schemaName string) ([]ForeignKeyMetadata, error)

	// Close releases the underlying connection.
	Close() error
}
