package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN / ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard config",
			cfg:  DatabaseConfig{Host: "localhost", Port: 5432, User: "orgm", Password: "secret", Name: "organizations", SSLMode: "require"},
			want: "host=localhost port=5432 user=orgm password=secret dbname=organizations sslmode=require",
		},
		{
			name: "empty password",
			cfg:  DatabaseConfig{Host: "db.example.com", Port: 5433, User: "admin", Name: "mydb", SSLMode: "disable"},
			want: "host=db.example.com port=5433 user=admin password= dbname=mydb sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetDSN(); got != tt.want {
				t.Errorf("GetDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Name: "organizations", User: "orgm"},
		Storage: StorageConfig{
			DefaultBackend: "local",
			Local:          LocalStorageConfig{BasePath: "./images"},
		},
		Auth:     AuthConfig{JWT: JWTConfig{Secret: "test-secret"}},
		Identity: IdentityConfig{BaseURL: "https://idp.example.com"},
		Mailing:  MailingConfig{Driver: "http", BaseURL: "http://mailing"},
		Orchestration: OrchestrationConfig{
			AcceptKeyMaxAgeHours: 72,
			RoleNameMaxAttempts:  5,
			GatewayTimeout:       10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	failures := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid server port", func(c *Config) { c.Server.Port = 70000 }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"redis enabled without url", func(c *Config) { c.Redis = RedisConfig{Enabled: true} }},
		{"invalid storage backend", func(c *Config) { c.Storage.DefaultBackend = "ftp" }},
		{"s3 backend missing region", func(c *Config) {
			c.Storage.DefaultBackend = "s3"
			c.Storage.S3 = S3StorageConfig{Bucket: "images"}
		}},
		{"gcs backend missing bucket", func(c *Config) { c.Storage.DefaultBackend = "gcs" }},
		{"azure backend missing container", func(c *Config) {
			c.Storage.DefaultBackend = "azure"
			c.Storage.Azure = AzureStorageConfig{AccountName: "acct"}
		}},
		{"no jwt secret and no oidc", func(c *Config) { c.Auth.JWT.Secret = "" }},
		{"oidc missing issuer", func(c *Config) { c.Auth.OIDC = OIDCConfig{Enabled: true, ClientID: "id"} }},
		{"missing identity base url", func(c *Config) { c.Identity.BaseURL = "" }},
		{"assets enabled without url", func(c *Config) { c.Assets = AssetsConfig{Enabled: true} }},
		{"http mailing without url", func(c *Config) { c.Mailing.BaseURL = "" }},
		{"smtp mailing without host", func(c *Config) { c.Mailing = MailingConfig{Driver: "smtp"} }},
		{"unknown mailing driver", func(c *Config) { c.Mailing.Driver = "pigeon" }},
		{"zero accept key age", func(c *Config) { c.Orchestration.AcceptKeyMaxAgeHours = 0 }},
		{"zero role name attempts", func(c *Config) { c.Orchestration.RoleNameMaxAttempts = 0 }},
		{"zero gateway timeout", func(c *Config) { c.Orchestration.GatewayTimeout = 0 }},
		{"tls missing key file", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, CertFile: "cert.pem"} }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}

	t.Run("oidc without jwt secret passes", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Auth.JWT.Secret = ""
		cfg.Auth.OIDC = OIDCConfig{Enabled: true, IssuerURL: "https://idp.example.com/", ClientID: "orgm"}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("smtp mailing with host and from passes", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Mailing = MailingConfig{Driver: "smtp", SMTP: SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"}}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// expandEnv
// ---------------------------------------------------------------------------

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONFIG_TEST_SECRET", "super-secret")
	if got := expandEnv("${CONFIG_TEST_SECRET}"); got != "super-secret" {
		t.Errorf("expandEnv() = %q, want super-secret", got)
	}
	if got := expandEnv("no-vars-here"); got != "no-vars-here" {
		t.Errorf("expandEnv() = %q, want passthrough", got)
	}
	os.Unsetenv("CONFIG_TEST_DEFINITELY_UNSET_12345")
	if got := expandEnv("${CONFIG_TEST_DEFINITELY_UNSET_12345}"); got != "" {
		t.Errorf("expandEnv() = %q, want empty string", got)
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

const baseYAML = `
database:
  host: "dbhost"
  name: "testdb"
  user: "testuser"
  password: "${TEST_DB_PASS}"
auth:
  jwt:
    secret: "test-secret"
identity:
  base_url: "https://idp.example.com"
mailing:
  base_url: "http://mailing"
logging:
  level: "debug"
`

func TestLoad_WithConfigFile(t *testing.T) {
	t.Setenv("TEST_DB_PASS", "mysecret")
	cfg, err := Load(writeTempConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Database.Host != "dbhost" || cfg.Database.Name != "testdb" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Database.Password != "mysecret" {
		t.Errorf("Database.Password = %q, want mysecret", cfg.Database.Password)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Identity.CacheSize != 1024 {
		t.Errorf("default Identity.CacheSize = %d, want 1024", cfg.Identity.CacheSize)
	}
	if cfg.Orchestration.GatewayTimeout != 10*time.Second {
		t.Errorf("default GatewayTimeout = %v, want 10s", cfg.Orchestration.GatewayTimeout)
	}
	if cfg.Orchestration.RoleNameMaxAttempts != 5 {
		t.Errorf("default RoleNameMaxAttempts = %d, want 5", cfg.Orchestration.RoleNameMaxAttempts)
	}
	if !cfg.Orchestration.AcceptExpiredKeys {
		t.Error("default AcceptExpiredKeys = false, want true")
	}
	if got := strings.Join(cfg.Assets.AllowedProperties, ","); got != "name,information,actions,image" {
		t.Errorf("default AllowedProperties = %q", got)
	}
	if !cfg.Audit.Enabled || cfg.Audit.FilePath != "" || cfg.Audit.MaxBackups != 5 {
		t.Errorf("default Audit = %+v", cfg.Audit)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ORGM_ORCHESTRATION_ROLE_NAME_MAX_ATTEMPTS", "9")
	cfg, err := Load(writeTempConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Orchestration.RoleNameMaxAttempts != 9 {
		t.Errorf("RoleNameMaxAttempts = %d, want 9", cfg.Orchestration.RoleNameMaxAttempts)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeTempConfig(t, "server: [unclosed")); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}
