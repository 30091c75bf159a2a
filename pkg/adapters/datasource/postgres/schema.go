package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/adapters/datasource"
)

// SchemaDiscoverer provides PostgreSQL schema discovery.
type SchemaDiscoverer struct {
	pool      *pgxpool.Pool
	ownedPool bool
	logger    *zap.Logger
}

// NewSchemaDiscoverer connects to dsn and returns a discoverer that owns the
// pool. If logger is nil, a no-op logger is used.
func NewSchemaDiscoverer(ctx context.Context, dsn string, logger *zap.Logger) (*SchemaDiscoverer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	d := NewSchemaDiscovererWithPool(pool, logger)
	d.ownedPool = true
	return d, nil
}

// NewSchemaDiscovererWithPool wraps an existing pool. Close leaves the pool open.
func NewSchemaDiscovererWithPool(pool *pgxpool.Pool, logger *zap.Logger) *SchemaDiscoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaDiscoverer{
		pool:   pool,
		logger: logger.Named("postgres-discoverer"),
	}
}

var _ datasource.SchemaDiscoverer = (*SchemaDiscoverer)(nil)

// Close releases the pool when the discoverer created it.
func (d *SchemaDiscoverer) Close() error {
	if d.ownedPool && d.pool != nil {
		d.pool.Close()
	}
	return nil
}

// DiscoverTables returns user tables (excludes system schemas).
func (d *SchemaDiscoverer) DiscoverTables(ctx context.Context, schemaName string) ([]datasource.TableMetadata, error) {
	const query = `
		SELECT
			t.table_schema,
			t.table_name,
			COALESCE(c.reltuples::bigint, 0) AS row_count
		FROM information_schema.tables t
		LEFT JOIN pg_namespace n ON n.nspname = t.table_schema
		LEFT JOIN pg_class c ON c.relname = t.table_name AND c.relnamespace = n.oid
		WHERE t.table_type = 'BASE TABLE'
		  AND t.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		  AND ($1::text = '' OR t.table_schema = $1)
		ORDER BY t.table_schema, t.table_name
	`

	rows, err := d.pool.Query(ctx, query, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []datasource.TableMetadata
	for rows.Next() {
		var t datasource.TableMetadata
		if err := rows.Scan(&t.SchemaName, &t.TableName, &t.RowCount); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		// Never-analyzed tables report -1.
		if t.RowCount < 0 {
			t.RowCount = 0
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	d.logger.Debug("Discovered tables",
		zap.String("schema", schemaName),
		zap.Int("count", len(tables)))
	return tables, nil
}

// DiscoverColumns returns columns for a specific table. Primary and unique
// keys come from pg_index so single-column unique indexes created by ORMs are
// detected as well as declared constraints.
func (d *SchemaDiscoverer) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' AS is_nullable,
			COALESCE(pk.is_pk, false) AS is_primary_key,
			COALESCE(uq.is_unique, false) AS is_unique,
			c.ordinal_position,
			c.column_default
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname AS column_name, true AS is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary
			  AND n.nspname = $1
			  AND t.relname = $2
		) pk ON c.column_name = pk.column_name
		LEFT JOIN (
			SELECT DISTINCT a.attname AS column_name, true AS is_unique
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisunique
			  AND NOT ix.indisprimary
			  AND n.nspname = $1
			  AND t.relname = $2
			  AND array_length(ix.indkey, 1) = 1
		) uq ON c.column_name = uq.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := d.pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []datasource.ColumnMetadata
	for rows.Next() {
		var c datasource.ColumnMetadata
		if err := rows.Scan(&c.ColumnName, &c.DataType, &c.IsNullable, &c.IsPrimaryKey, &c.IsUnique, &c.OrdinalPosition, &c.DefaultValue); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// DiscoverForeignKeys returns single-column foreign keys. Composite keys are
// skipped since a join condition relates exactly one field on each side.
func (d *SchemaDiscoverer) DiscoverForeignKeys(ctx context.Context, schemaName string) ([]datasource.ForeignKeyMetadata, error) {
	const query = `
		SELECT
			con.conname,
			sn.nspname AS source_schema,
			st.relname AS source_table,
			sa.attname AS source_column,
			tn.nspname AS target_schema,
			tt.relname AS target_table,
			ta.attname AS target_column
		FROM pg_constraint con
		JOIN pg_class st ON st.oid = con.conrelid
		JOIN pg_namespace sn ON sn.oid = st.relnamespace
		JOIN pg_class tt ON tt.oid = con.confrelid
		JOIN pg_namespace tn ON tn.oid = tt.relnamespace
		JOIN pg_attribute sa ON sa.attrelid = con.conrelid AND sa.attnum = con.conkey[1]
		JOIN pg_attribute ta ON ta.attrelid = con.confrelid AND ta.attnum = con.confkey[1]
		WHERE con.contype = 'f'
		  AND array_length(con.conkey, 1) = 1
		  AND sn.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		  AND ($1::text = '' OR sn.nspname = $1)
		ORDER BY sn.nspname, st.relname, con.conname
	`

	rows, err := d.pool.Query(ctx, query, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []datasource.ForeignKeyMetadata
	for rows.Next() {
		var fk datasource.ForeignKeyMetadata
		if err := rows.Scan(&fk.ConstraintName, &fk.SourceSchema, &fk.SourceTable, &fk.SourceColumn,
			&fk.TargetSchema, &fk.TargetTable, &fk.TargetColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return fks, nil
}
