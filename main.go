package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-crossquery/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-crossquery/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/audit"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/config"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/database"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/handlers"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/mcp"
	mcpauth "github.com/ekaya-inc/ekaya-crossquery/pkg/mcp/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/middleware"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/repositories"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/retry"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("metadata_source", cfg.Registry.MetadataSource),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.Bool("redis_cache", cfg.Redis.Host != ""))

	registry, metadataHealth, cleanup, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	metrics := services.NewInMemoryQueryMetrics(cfg.Observability.MetricsRetention, cfg.Observability.MetricsEvictTo)
	observer := services.NewQueryObserver(
		otel.GetTracerProvider().Tracer("github.com/ekaya-inc/ekaya-crossquery"),
		metrics,
		cfg.Observability.SlowQueryThreshold,
		logger)
	planner := services.NewJoinPlanner(registry, cfg.Planner.Guardrails(), logger)
	scorer := services.NewComplexityScorer(cfg.Planner.ComplexityThreshold)

	// No executor ships with the server; Execute reports not implemented.
	queryService := services.NewQueryService(registry, planner, scorer, observer, nil, logger,
		services.WithSecurityAuditor(audit.NewSecurityAuditor(logger)))

	jwksClient, err := auth.NewJWKSClient(ctx, &auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize JWKS client: %w", err)
	}
	defer jwksClient.Close()

	authService := auth.NewAuthService(jwksClient, logger)
	authMiddleware := auth.NewMiddleware(authService, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, metadataHealth, logger).RegisterRoutes(mux)
	handlers.NewQueryHandler(queryService, logger).RegisterRoutes(mux, authMiddleware)

	mcpAudit := mcp.NewAuditLogger(logger)
	mcpServer := mcp.NewServer("ekaya-crossquery", cfg.Version, mcpAudit, logger)
	tools.RegisterQueryTools(mcpServer.MCP(), &tools.QueryToolDeps{QueryService: queryService, Logger: logger.Named("mcp-tools")})
	tools.RegisterHealthTool(mcpServer.MCP(), cfg.Version, metadataHealth)

	mcpAuth := mcpauth.NewMiddleware(authService, mcpAudit, logger.Named("mcp-auth"))
	mcpHandler := middleware.MCPRequestLogger(logger.Named("mcp-http"))(mcpServer.NewStreamableHTTPServer())
	mux.Handle("/mcp/{pid}", mcpAuth.RequireAuth("pid")(mcpHandler))

	handler := middleware.RequestID()(middleware.RequestLogger(logger.Named("http"))(mux))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-crossquery",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// buildRegistry creates the relationship registry for the configured metadata
// source. The returned health checker is nil unless metadata lives in the
// database.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.RelationshipRegistry, handlers.HealthChecker, func(), error) {
	if cfg.Registry.MetadataSource == config.MetadataSourceStatic {
		registry, err := services.LoadStaticRegistryFile(cfg.Registry.StaticFile, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("Loaded static registry",
			zap.String("file", cfg.Registry.StaticFile),
			zap.Int("entities", len(registry.Entities())))
		return registry, nil, func() {}, nil
	}

	var (
		loader   services.MetadataLoader
		health   handlers.HealthChecker
		closers  []func()
		cleanups = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	switch cfg.Registry.MetadataSource {
	case config.MetadataSourceDatabase:
		db, err := database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to metadata database: %w", err)
		}
		closers = append(closers, db.Close)

		if err := migrate(cfg, logger); err != nil {
			cleanups()
			return nil, nil, nil, err
		}

		loader = services.NewDatabaseLoader(repositories.NewEntitySchemaRepository(), database.NewTenantScopeProvider(db))
		health = db

	case config.MetadataSourceDiscovery:
		discoverer, err := datasource.NewSchemaDiscoverer(ctx, cfg.Discovery.Type, cfg.Discovery.URL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to discovery datasource: %w", err)
		}
		closers = append(closers, func() {
			if err := discoverer.Close(); err != nil {
				logger.Warn("Failed to close schema discoverer", zap.Error(err))
			}
		})
		loader = services.NewDiscoveryLoader(discoverer, cfg.Discovery.Schema, logger)
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		cleanups()
		return nil, nil, nil, err
	}
	if redisClient != nil {
		closers = append(closers, func() { _ = redisClient.Close() })
		loader = services.NewRedisSchemaCache(loader, redisClient, cfg.Redis.SchemaCacheTTL, logger)
	}

	registry := services.NewMetadataRegistry(loader, services.MetadataRegistryConfig{
		TTL:               cfg.Registry.CacheTTL,
		StrictCardinality: cfg.Registry.StrictCardinality,
		Retry:             retry.DefaultConfig().WithMaxRetries(cfg.Registry.LoadRetries),
	}, logger)

	return registry, health, cleanups, nil
}

// migrate applies pending metadata store migrations over a dedicated
// database/sql connection.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	return database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger)
}
