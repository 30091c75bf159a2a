package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx" for migrations
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/database"
)

// PostgresImage is the stock image integration tests run against.
const PostgresImage = "postgres:16-alpine"

// TestDB holds a shared PostgreSQL container and a superuser pool.
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	ConnStr   string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})
	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}
	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        PostgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "crossquery_test",
				"POSTGRES_USER":     "ekaya",
				"POSTGRES_PASSWORD": "test_password",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://ekaya:test_password@%s:%s/crossquery_test?sslmode=disable", host, port.Port())

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	for i := 0; i < 10; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("database never became reachable: %w", err)
	}

	return &TestDB{Container: container, Pool: pool, ConnStr: connStr}, nil
}

// MetadataDB is the metadata store with migrations applied.
type MetadataDB struct {
	DB      *database.DB
	ConnStr string
}

var (
	sharedMetadataDB     *MetadataDB
	sharedMetadataDBOnce sync.Once
	sharedMetadataDBErr  error
)

// GetMetadataDB returns the shared test database with this repository's
// migrations applied.
func GetMetadataDB(t *testing.T) *MetadataDB {
	t.Helper()

	testDB := GetTestDB(t)
	sharedMetadataDBOnce.Do(func() {
		sharedMetadataDB, sharedMetadataDBErr = setupMetadataDB(testDB)
	})
	if sharedMetadataDBErr != nil {
		t.Fatalf("Failed to setup metadata database: %v", sharedMetadataDBErr)
	}
	return sharedMetadataDB
}

func setupMetadataDB(testDB *TestDB) (*MetadataDB, error) {
	ctx := context.Background()

	sqlDB, err := sql.Open("pgx", testDB.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{URL: testDB.ConnStr, MaxConnections: 5})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}
	return &MetadataDB{DB: db, ConnStr: testDB.ConnStr}, nil
}

// MigrationsPath returns the absolute path of the repository's migrations
// directory, independent of the test's working directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
