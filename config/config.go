package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// KnownVendors lists the provider types the gateway ships adapters for
var KnownVendors = []string{"anthropic", "deepseek", "gemini", "openai"}

// Config represents the complete application configuration
type Config struct {
	Environment   string                    `mapstructure:"environment"`
	Server        ServerConfig              `mapstructure:"server"`
	Database      DatabaseConfig            `mapstructure:"database"`
	Auth          AuthConfig                `mapstructure:"auth"`
	Gateway       GatewayConfig             `mapstructure:"gateway"`
	Dispatch      DispatchConfig            `mapstructure:"dispatch"`
	Health        HealthConfig              `mapstructure:"health"`
	Cache         CacheConfig               `mapstructure:"cache"`
	Observability ObservabilityConfig       `mapstructure:"observability"`
	Providers     map[string]ProviderConfig `mapstructure:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // 0 leaves streams unbounded
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string        `mapstructure:"url"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	Database         string        `mapstructure:"name"`
	SSLMode          string        `mapstructure:"sslmode"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
}

// AuthConfig holds bearer-token settings for the HTTP API
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// GatewayConfig holds provider selection settings
type GatewayConfig struct {
	DefaultProvider string         `mapstructure:"default_provider"`
	Fallback        FallbackConfig `mapstructure:"fallback"`
}

// FallbackConfig enables cross-provider fallback
type FallbackConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Order   []string `mapstructure:"order"`
}

// DispatchConfig holds retry and circuit breaker settings
type DispatchConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Jitter           float64       `mapstructure:"jitter"`
	MaxRetryAfter    time.Duration `mapstructure:"max_retry_after"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	StreamTimeout    time.Duration `mapstructure:"stream_timeout"`
}

// HealthConfig holds the provider probe cadence
type HealthConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
}

// CacheConfig selects the response cache backend
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"` // none, memory or redis
	RedisURL   string        `mapstructure:"redis_url"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"` // json or console
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// ProviderConfig holds one provider's settings. A provider without an API key is disabled.
type ProviderConfig struct {
	Type         string            `mapstructure:"type"` // defaults to the provider name
	APIKey       string            `mapstructure:"api_key"`
	BaseURL      string            `mapstructure:"base_url"`
	DefaultModel string            `mapstructure:"default_model"`
	MaxRetries   int               `mapstructure:"max_retries"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	Models       []string          `mapstructure:"models"`
	Headers      map[string]string `mapstructure:"headers"`
}

// New loads configuration from .env, the optional CONFIG_FILE and the environment
func New(ctx context.Context) (*Config, error) {
	loader, err := NewLoader(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	return loader.Current(), nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required when auth is enabled")
	}
	if c.IsProduction() && !c.Auth.Enabled {
		return fmt.Errorf("auth must be enabled in production")
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch max retries must not be negative")
	}
	if c.Dispatch.Jitter < 0 || c.Dispatch.Jitter > 1 {
		return fmt.Errorf("dispatch jitter must be between 0 and 1")
	}

	switch c.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache redis url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	for name, p := range c.Providers {
		if !isKnownVendor(p.VendorType(name)) {
			return fmt.Errorf("provider %s: unknown type %q", name, p.VendorType(name))
		}
	}
	enabled := c.EnabledProviders()
	if c.IsProduction() && len(enabled) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured in production")
	}
	if d := c.Gateway.DefaultProvider; d != "" && len(enabled) > 0 && !contains(enabled, d) {
		return fmt.Errorf("default provider %s is not enabled", d)
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// EnabledProviders returns the names of providers with credentials, sorted
func (c *Config) EnabledProviders() []string {
	names := make([]string, 0, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// VendorType returns the adapter type for a provider entry
func (p ProviderConfig) VendorType(name string) string {
	if p.Type != "" {
		return strings.ToLower(p.Type)
	}
	return strings.ToLower(name)
}

// Enabled reports whether a request-log database is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("gateway.default_provider", "")
	v.SetDefault("gateway.fallback.enabled", false)
	v.SetDefault("gateway.fallback.order", []string{})

	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.base_delay", 500*time.Millisecond)
	v.SetDefault("dispatch.max_delay", 30*time.Second)
	v.SetDefault("dispatch.jitter", 0.2)
	v.SetDefault("dispatch.max_retry_after", time.Minute)
	v.SetDefault("dispatch.breaker_threshold", 5)
	v.SetDefault("dispatch.breaker_cooldown", 30*time.Second)
	v.SetDefault("dispatch.attempt_timeout", time.Minute)
	v.SetDefault("dispatch.stream_timeout", 5*time.Minute)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("health.unhealthy_threshold", 3)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.max_entries", 1000)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)

	for _, vendor := range KnownVendors {
		prefix := "providers." + vendor + "."
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"default_model", "")
		v.SetDefault(prefix+"max_retries", 0)
		v.SetDefault(prefix+"timeout", time.Duration(0))
	}
}

// bindEnv adds the conventional variable names on top of the dotted-key mapping
func bindEnv(v *viper.Viper) error {
	aliases := [][]string{
		{"environment", "ENVIRONMENT", "APP_ENV"},
		{"server.port", "PORT", "SERVER_PORT"},
		{"database.host", "DATABASE_HOST", "DB_HOST"},
		{"database.port", "DATABASE_PORT", "DB_PORT"},
		{"database.user", "DATABASE_USER", "DB_USER"},
		{"database.password", "DATABASE_PASSWORD", "DB_PASSWORD"},
		{"database.name", "DATABASE_NAME", "DB_NAME"},
		{"auth.jwt_secret", "AUTH_JWT_SECRET", "JWT_SECRET"},
		{"cache.redis_url", "CACHE_REDIS_URL", "REDIS_URL"},
		{"observability.log_level", "OBSERVABILITY_LOG_LEVEL", "LOG_LEVEL"},
		{"observability.log_format", "OBSERVABILITY_LOG_FORMAT", "LOG_FORMAT"},
	}
	for _, vendor := range KnownVendors {
		upper := strings.ToUpper(vendor)
		aliases = append(aliases,
			[]string{"providers." + vendor + ".api_key", "PROVIDERS_" + upper + "_API_KEY", upper + "_API_KEY"},
			[]string{"providers." + vendor + ".base_url", "PROVIDERS_" + upper + "_BASE_URL", upper + "_BASE_URL"},
		)
	}

	for _, names := range aliases {
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("bind env %s: %w", names[0], err)
		}
	}
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func isKnownVendor(t string) bool {
	return contains(KnownVendors, t)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
