// Package config loads and validates the organization manager configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the ORGM_ prefix (e.g., ORGM_DATABASE_HOST
// overrides database.host in the YAML).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Identity      IdentityConfig      `mapstructure:"identity"`
	Assets        AssetsConfig        `mapstructure:"assets"`
	Mailing       MailingConfig       `mapstructure:"mailing"`
	Callbacks     CallbacksConfig     `mapstructure:"callbacks"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Security      SecurityConfig      `mapstructure:"security"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig enables the distributed organization lock and rate limiter.
// When disabled both fall back to in-process implementations, which is only correct
// for a single replica.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// StorageConfig holds the image storage backend configuration
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	CDNURL        string `mapstructure:"cdn_url"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod: "default", "static", "oidc", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	ProjectID string `mapstructure:"project_id"`
	// AuthMethod: "default", "service_account", "workload_identity"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
	// PublicURL is prepended to stored keys to build the location returned to clients
	PublicURL string `mapstructure:"public_url"`
}

// AuthConfig holds caller authentication configuration
type AuthConfig struct {
	JWT             JWTConfig  `mapstructure:"jwt"`
	OIDC            OIDCConfig `mapstructure:"oidc"`
	GlobalAdminRole string     `mapstructure:"global_admin_role"`
}

// JWTConfig configures HS256 bearer tokens issued for service-to-service callers
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// OIDCConfig configures verification of identity-provider ID tokens
type OIDCConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IssuerURL string `mapstructure:"issuer_url"`
	ClientID  string `mapstructure:"client_id"`
	// EmailClaim names the claim holding the caller's login (default "email")
	EmailClaim string `mapstructure:"email_claim"`
	// RolesClaim names the claim holding the caller's identity-provider roles
	RolesClaim string `mapstructure:"roles_claim"`
}

// IdentityConfig configures the identity provider management API
type IdentityConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Audience     string        `mapstructure:"audience"`
	CacheSize    int           `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// AssetsConfig configures the asset-management service. Disabled means the service is
// treated as absent: cascade delete skips asset cleanup and device endpoints fail.
type AssetsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	// AllowedProperties lists the device property keys clients may write
	AllowedProperties []string `mapstructure:"allowed_properties"`
	// CustomProperties lists extra keys cleared when a device leaves an organization
	CustomProperties []string `mapstructure:"custom_properties"`
}

// MailingConfig selects how invitation mails are delivered
type MailingConfig struct {
	// Driver: "http" (mailing service) or "smtp"
	Driver  string     `mapstructure:"driver"`
	BaseURL string     `mapstructure:"base_url"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
	// DefaultLanguage is used when a user has no invite language
	DefaultLanguage string `mapstructure:"default_language"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	// UseTLS enables STARTTLS (port 587) or implicit TLS (port 465); false = plain SMTP
	UseTLS bool `mapstructure:"use_tls"`
}

// CallbacksConfig configures organization lifecycle webhooks. An empty BaseURL disables them.
type CallbacksConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Secret signs every payload with HMAC-SHA256 (X-Webhook-Signature)
	Secret string `mapstructure:"secret"`
}

// OrchestrationConfig tunes the multi-system protocols
type OrchestrationConfig struct {
	AcceptKeyMaxAgeHours int `mapstructure:"accept_key_max_age_hours"`
	// AcceptExpiredKeys keeps accepting matching keys past their max age
	AcceptExpiredKeys   bool          `mapstructure:"accept_expired_keys"`
	RoleNameMaxAttempts int           `mapstructure:"role_name_max_attempts"`
	GatewayTimeout      time.Duration `mapstructure:"gateway_timeout"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	LockWait            time.Duration `mapstructure:"lock_wait"`
	// AcceptURL is the front-end page linked from invitation mails
	AcceptURL string `mapstructure:"accept_url"`
	// EmailVerificationTTL bounds the lifetime of verification tickets
	EmailVerificationTTL time.Duration `mapstructure:"email_verification_ttl"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// AuditConfig controls the audit trail of mutating requests
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// FilePath additionally appends entries as JSON lines; empty means log only
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	// LogFailedRequests also records mutations answered with 4xx/5xx
	LogFailedRequests bool `mapstructure:"log_failed_requests"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.enabled",
		"redis.url",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.cdn_url",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",
		"storage.local.public_url",

		// Auth
		"auth.jwt.secret",
		"auth.jwt.issuer",
		"auth.oidc.enabled",
		"auth.oidc.issuer_url",
		"auth.oidc.client_id",
		"auth.oidc.email_claim",
		"auth.oidc.roles_claim",
		"auth.global_admin_role",

		// Identity provider
		"identity.base_url",
		"identity.token_url",
		"identity.client_id",
		"identity.client_secret",
		"identity.audience",
		"identity.cache_size",
		"identity.cache_ttl",

		// Assets
		"assets.enabled",
		"assets.base_url",
		"assets.allowed_properties",
		"assets.custom_properties",

		// Mailing
		"mailing.driver",
		"mailing.base_url",
		"mailing.default_language",
		"mailing.smtp.host",
		"mailing.smtp.port",
		"mailing.smtp.username",
		"mailing.smtp.password",
		"mailing.smtp.from",
		"mailing.smtp.use_tls",

		// Callbacks
		"callbacks.base_url",
		"callbacks.secret",

		// Orchestration
		"orchestration.accept_key_max_age_hours",
		"orchestration.accept_expired_keys",
		"orchestration.role_name_max_attempts",
		"orchestration.gateway_timeout",
		"orchestration.lock_ttl",
		"orchestration.lock_wait",
		"orchestration.accept_url",
		"orchestration.email_verification_ttl",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Audit
		"audit.enabled",
		"audit.file_path",
		"audit.max_size_mb",
		"audit.max_backups",
		"audit.log_failed_requests",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/organization-manager")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ORGM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.URL = expandEnv(cfg.Redis.URL)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Auth.JWT.Secret = expandEnv(cfg.Auth.JWT.Secret)
	cfg.Identity.ClientSecret = expandEnv(cfg.Identity.ClientSecret)
	cfg.Mailing.SMTP.Password = expandEnv(cfg.Mailing.SMTP.Password)
	cfg.Callbacks.Secret = expandEnv(cfg.Callbacks.Secret)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "organizations")
	v.SetDefault("database.user", "orgm")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./images")
	v.SetDefault("storage.local.public_url", "/images")

	// Auth defaults
	v.SetDefault("auth.jwt.issuer", "organization-manager")
	v.SetDefault("auth.oidc.enabled", false)
	v.SetDefault("auth.oidc.email_claim", "email")
	v.SetDefault("auth.oidc.roles_claim", "roles")
	v.SetDefault("auth.global_admin_role", "ROLE_ADMIN")

	// Identity provider defaults
	v.SetDefault("identity.cache_size", 1024)
	v.SetDefault("identity.cache_ttl", "5m")

	// Asset defaults
	v.SetDefault("assets.enabled", false)
	v.SetDefault("assets.allowed_properties", []string{"name", "information", "actions", "image"})
	v.SetDefault("assets.custom_properties", []string{})

	// Mailing defaults
	v.SetDefault("mailing.driver", "http")
	v.SetDefault("mailing.default_language", "en")
	v.SetDefault("mailing.smtp.port", 587)
	v.SetDefault("mailing.smtp.use_tls", true)

	// Orchestration defaults
	v.SetDefault("orchestration.accept_key_max_age_hours", 72)
	v.SetDefault("orchestration.accept_expired_keys", true)
	v.SetDefault("orchestration.role_name_max_attempts", 5)
	v.SetDefault("orchestration.gateway_timeout", "10s")
	v.SetDefault("orchestration.lock_ttl", "30s")
	v.SetDefault("orchestration.lock_wait", "5s")
	v.SetDefault("orchestration.accept_url", "http://localhost:3000/invitations/accept")
	v.SetDefault("orchestration.email_verification_ttl", "24h")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_backups", 5)
	v.SetDefault("audit.log_failed_requests", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "organization-manager")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}
	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" || c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.account_name and container_name are required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	if c.Auth.JWT.Secret == "" && !c.Auth.OIDC.Enabled {
		return fmt.Errorf("auth.jwt.secret is required unless OIDC is enabled")
	}
	if c.Auth.OIDC.Enabled {
		if c.Auth.OIDC.IssuerURL == "" {
			return fmt.Errorf("auth.oidc.issuer_url is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.client_id is required when OIDC is enabled")
		}
	}

	if c.Identity.BaseURL == "" {
		return fmt.Errorf("identity.base_url is required")
	}

	if c.Assets.Enabled && c.Assets.BaseURL == "" {
		return fmt.Errorf("assets.base_url is required when assets are enabled")
	}

	switch c.Mailing.Driver {
	case "http":
		if c.Mailing.BaseURL == "" {
			return fmt.Errorf("mailing.base_url is required for the http mailing driver")
		}
	case "smtp":
		if c.Mailing.SMTP.Host == "" || c.Mailing.SMTP.From == "" {
			return fmt.Errorf("mailing.smtp.host and mailing.smtp.from are required for the smtp mailing driver")
		}
	default:
		return fmt.Errorf("invalid mailing driver: %s (must be http or smtp)", c.Mailing.Driver)
	}

	if c.Orchestration.AcceptKeyMaxAgeHours < 1 {
		return fmt.Errorf("orchestration.accept_key_max_age_hours must be positive")
	}
	if c.Orchestration.RoleNameMaxAttempts < 1 {
		return fmt.Errorf("orchestration.role_name_max_attempts must be positive")
	}
	if c.Orchestration.GatewayTimeout <= 0 {
		return fmt.Errorf("orchestration.gateway_timeout must be positive")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
