package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for knowted-gateway.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"PORT" env-default:"3000"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// CORSAllowedOriginsStr is a comma-separated list of browser origins
	// allowed to call the gateway with credentials. Empty allows any origin
	// without credentials.
	CORSAllowedOriginsStr string   `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-default:""`
	CORSAllowedOrigins    []string `yaml:"-"` // Parsed from CORSAllowedOriginsStr

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional, backs the response accumulator when set)
	Redis RedisConfig `yaml:"redis"`

	// Remote agent runtime
	LangGraph LangGraphConfig `yaml:"langgraph"`

	// Trace-analytics service used for end-user feedback
	LangSmith LangSmithConfig `yaml:"langsmith"`

	// Buffered (JSON lines) chat webhook
	Webhook WebhookConfig `yaml:"webhook"`

	// InternalServiceSecret is forwarded to the agent runtime on SDK-pattern
	// runs so the agent can call back into this service.
	InternalServiceSecret string `yaml:"-" env:"INTERNAL_SERVICE_SECRET"` // Secret - not in YAML
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an identity provider.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWTSecret verifies HS256 tokens issued by Supabase.
	JWTSecret string `yaml:"-" env:"SUPABASE_JWT_SECRET"` // Secret - not in YAML

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"knowted"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"knowted"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection settings.
// An empty host disables Redis and the in-memory accumulator is used instead.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// LangGraphConfig holds the agent runtime endpoint settings.
type LangGraphConfig struct {
	URL                string        `yaml:"url" env:"LANGGRAPH_URL" env-default:"http://localhost:2024"`
	DefaultAssistantID string        `yaml:"default_assistant_id" env:"LANGGRAPH_DEFAULT_ASSISTANT_ID" env-default:"knowted_agent"`
	Timeout            time.Duration `yaml:"timeout" env:"LANGGRAPH_TIMEOUT" env-default:"5m"`
}

// LangSmithConfig holds the trace-analytics service settings.
type LangSmithConfig struct {
	APIKey  string        `yaml:"-" env:"LANGSMITH_API_KEY"` // Secret - not in YAML
	APIURL  string        `yaml:"api_url" env:"LANGSMITH_API_URL" env-default:"https://api.smith.langchain.com"`
	Timeout time.Duration `yaml:"timeout" env:"LANGSMITH_TIMEOUT" env-default:"10s"`
}

// IsConfigured returns true if feedback can be forwarded.
func (c *LangSmithConfig) IsConfigured() bool {
	return c.APIKey != ""
}

// WebhookConfig holds the buffered chat webhook settings.
type WebhookConfig struct {
	URL string `yaml:"url" env:"N8N_WEBHOOK_URL" env-default:""`
	// Timeout bounds one webhook exchange, including the streamed reply.
	Timeout time.Duration `yaml:"timeout" env:"N8N_WEBHOOK_TIMEOUT" env-default:"2m"`
	// AccumulatorTTL bounds how long partial replies are kept for a session
	// that never reports completion.
	AccumulatorTTL time.Duration `yaml:"accumulator_ttl" env:"WEBHOOK_ACCUMULATOR_TTL" env-default:"10m"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// A missing config.yaml is not an error: every field has an env var.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// Fall back to environment only when there is no config file.
		if envErr := cleanenv.ReadEnv(cfg); envErr != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", envErr)
		}
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
	c.CORSAllowedOrigins = parseList(c.CORSAllowedOriginsStr)
	c.LangGraph.URL = ResolveURLForDocker(strings.TrimRight(c.LangGraph.URL, "/"))
	c.Webhook.URL = ResolveURLForDocker(c.Webhook.URL)
	c.LangSmith.APIURL = strings.TrimRight(c.LangSmith.APIURL, "/")
	c.Database.Host = ResolveHostForDocker(c.Database.Host)
	if c.Redis.Host != "" {
		c.Redis.Host = ResolveHostForDocker(c.Redis.Host)
	}
	return nil
}

// validate rejects configurations the gateway cannot serve requests with.
// The internal service secret is deliberately not checked here: its absence
// only fails the SDK-pattern route, at request time.
func (c *Config) validate() error {
	if c.LangGraph.URL == "" {
		return fmt.Errorf("langgraph url must be set")
	}
	if _, err := url.Parse(c.LangGraph.URL); err != nil {
		return fmt.Errorf("langgraph url is invalid: %w", err)
	}
	if c.LangGraph.DefaultAssistantID == "" {
		return fmt.Errorf("langgraph default assistant id must be set")
	}
	if c.Auth.EnableVerification && c.Auth.JWTSecret == "" && len(c.Auth.JWKSEndpoints) == 0 {
		return fmt.Errorf("auth verification requires SUPABASE_JWT_SECRET or JWKS_ENDPOINTS")
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// parseList splits a comma-separated value, dropping blank entries.
func parseList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
