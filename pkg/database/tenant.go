package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantScope is a pooled connection with app.current_project_id set, so RLS
// policies on the metadata tables only expose one project's rows.
type TenantScope struct {
	Conn      *pgxpool.Conn
	ProjectID uuid.UUID
}

// Close resets the tenant setting and returns the connection to the pool.
// It must be called, otherwise the next borrower inherits the tenant.
func (s *TenantScope) Close() {
	if s == nil || s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_project_id")
	s.Conn.Release()
	s.Conn = nil
}

// WithTenant acquires a connection scoped to projectID.
// The returned TenantScope must be closed with defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, projectID uuid.UUID) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, "SELECT set_config('app.current_project_id', $1, false)", projectID.String()); err != nil {
		conn.Release()
		return nil, err
	}

	return &TenantScope{Conn: conn, ProjectID: projectID}, nil
}
