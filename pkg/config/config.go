package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// Metadata sources the registry can be backed by.
const (
	MetadataSourceStatic    = "static"
	MetadataSourceDatabase  = "database"
	MetadataSourceDiscovery = "discovery"
)

// Config holds all configuration for the crossquery server.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Registry      RegistryConfig      `yaml:"registry"`
	Planner       PlannerConfig       `yaml:"planner"`
	Observability ObservabilityConfig `yaml:"observability"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:"https://auth.ekaya.ai=https://auth.ekaya.ai/.well-known/jwks.json"`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds the PostgreSQL metadata store configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_crossquery"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds the optional shared schema cache configuration.
// Redis is disabled when Host is empty.
type RedisConfig struct {
	Host           string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port           int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password       string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB             int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	SchemaCacheTTL time.Duration `yaml:"schema_cache_ttl" env:"REDIS_SCHEMA_CACHE_TTL" env-default:"5m"`
}

// RegistryConfig controls where entity metadata comes from and how long it is cached.
type RegistryConfig struct {
	MetadataSource    string        `yaml:"metadata_source" env:"REGISTRY_METADATA_SOURCE" env-default:"database"`
	StaticFile        string        `yaml:"static_file" env:"REGISTRY_STATIC_FILE" env-default:"registry.yaml"`
	CacheTTL          time.Duration `yaml:"cache_ttl" env:"REGISTRY_CACHE_TTL" env-default:"60s"`
	StrictCardinality bool          `yaml:"strict_cardinality" env:"REGISTRY_STRICT_CARDINALITY" env-default:"false"`
	LoadRetries       int           `yaml:"load_retries" env:"REGISTRY_LOAD_RETRIES" env-default:"2"`
}

// PlannerConfig holds the query guardrails and the complexity threshold.
type PlannerConfig struct {
	MaxJoins            int    `yaml:"max_joins" env:"PLANNER_MAX_JOINS" env-default:"3"`
	MaxDepth            int    `yaml:"max_depth" env:"PLANNER_MAX_DEPTH" env-default:"2"`
	MaxSelectFields     int    `yaml:"max_select_fields" env:"PLANNER_MAX_SELECT_FIELDS" env-default:"50"`
	MaxLimit            int    `yaml:"max_limit" env:"PLANNER_MAX_LIMIT" env-default:"200"`
	AllowedJoinTypesStr string `yaml:"allowed_join_types" env:"PLANNER_ALLOWED_JOIN_TYPES" env-default:"inner,left"`
	ComplexityThreshold int    `yaml:"complexity_threshold" env:"PLANNER_COMPLEXITY_THRESHOLD" env-default:"100"`

	// AllowedJoinTypes is parsed from AllowedJoinTypesStr.
	AllowedJoinTypes []models.JoinType `yaml:"-"`
}

// ObservabilityConfig holds query metrics settings.
type ObservabilityConfig struct {
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD" env-default:"1s"`
	MetricsRetention   int           `yaml:"metrics_retention" env:"METRICS_RETENTION" env-default:"10000"`
	MetricsEvictTo     int           `yaml:"metrics_evict_to" env:"METRICS_EVICT_TO" env-default:"5000"`
}

// DiscoveryConfig points at a live datasource whose schema is introspected when
// the registry's metadata source is "discovery".
type DiscoveryConfig struct {
	Type   string `yaml:"type" env:"DISCOVERY_TYPE" env-default:"postgres"`
	URL    string `yaml:"-" env:"DISCOVERY_URL"` // Secret - may contain credentials
	Schema string `yaml:"schema" env:"DISCOVERY_SCHEMA" env-default:""`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)

	types, err := parseJoinTypes(c.Planner.AllowedJoinTypesStr)
	if err != nil {
		return err
	}
	c.Planner.AllowedJoinTypes = types
	return nil
}

func (c *Config) validate() error {
	p := c.Planner
	if p.MaxJoins < 0 || p.MaxDepth < 1 || p.MaxSelectFields < 1 || p.MaxLimit < 1 {
		return fmt.Errorf("planner limits must be positive (max_joins=%d max_depth=%d max_select_fields=%d max_limit=%d)",
			p.MaxJoins, p.MaxDepth, p.MaxSelectFields, p.MaxLimit)
	}
	if p.ComplexityThreshold < 1 {
		return fmt.Errorf("complexity_threshold must be positive, got %d", p.ComplexityThreshold)
	}

	switch c.Registry.MetadataSource {
	case MetadataSourceStatic:
		if c.Registry.StaticFile == "" {
			return fmt.Errorf("registry.static_file is required for the static metadata source")
		}
	case MetadataSourceDatabase:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database host and name are required for the database metadata source")
		}
	case MetadataSourceDiscovery:
		if c.Discovery.Type != "postgres" && c.Discovery.Type != "sqlserver" {
			return fmt.Errorf("unsupported discovery type %q", c.Discovery.Type)
		}
		if c.Discovery.URL == "" {
			return fmt.Errorf("DISCOVERY_URL is required for the discovery metadata source")
		}
	default:
		return fmt.Errorf("unknown registry.metadata_source %q", c.Registry.MetadataSource)
	}

	if c.Registry.CacheTTL <= 0 {
		return fmt.Errorf("registry.cache_ttl must be positive")
	}
	if c.Observability.MetricsEvictTo <= 0 || c.Observability.MetricsEvictTo > c.Observability.MetricsRetention {
		return fmt.Errorf("metrics_evict_to must be between 1 and metrics_retention")
	}
	return nil
}

// Guardrails returns the planner limits as query guardrails.
func (p PlannerConfig) Guardrails() models.QueryGuardrails {
	return models.QueryGuardrails{
		MaxJoins:         p.MaxJoins,
		MaxDepth:         p.MaxDepth,
		MaxSelectFields:  p.MaxSelectFields,
		MaxLimit:         p.MaxLimit,
		AllowedJoinTypes: p.AllowedJoinTypes,
	}
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	for _, pair := range strings.Split(value, ",") {
		parts := strings.Split(pair, "=")
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

func parseJoinTypes(value string) ([]models.JoinType, error) {
	var types []models.JoinType
	for _, part := range strings.Split(value, ",") {
		t := models.JoinType(strings.ToLower(strings.TrimSpace(part)))
		switch t {
		case "":
			continue
		case models.JoinTypeInner, models.JoinTypeLeft:
			types = append(types, t)
		default:
			return nil, fmt.Errorf("unsupported join type %q in allowed_join_types", part)
		}
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("allowed_join_types must name at least one join type")
	}
	return types, nil
}

// ConnectionString returns a PostgreSQL connection URL. The password is
// omitted when empty so libpq defaults (PGPASSFILE) still apply.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.User(c.User),
		Host:     net.JoinHostPort(ResolveHostForDocker(c.Host), strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}
