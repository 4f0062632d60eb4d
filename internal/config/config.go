package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Pool        PoolConfig        `yaml:"pool"`
	Report      ReportConfig      `yaml:"report"`
	Attachments AttachmentsConfig `yaml:"attachments"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	APIToken string `yaml:"api_token"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig holds the optional Redis backend for the dispatch
// leadership lock. Leave Addr empty for single-instance deployments.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecretsConfig holds the key used to encrypt account credentials at rest.
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 32-byte key, hex encoded
}

// DispatchConfig holds dispatch loop tuning.
type DispatchConfig struct {
	TickSeconds           int `yaml:"tick_seconds"`
	BatchSize             int `yaml:"batch_size"`
	MaxConcurrencyPerAcct int `yaml:"max_concurrency_per_account"`
	MaxRetries            int `yaml:"max_retries"`
}

// Tick returns the dispatch tick interval as a duration.
func (c DispatchConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// PoolConfig holds SMTP connection pool tuning.
type PoolConfig struct {
	MaxPerAccount          int `yaml:"max_per_account"`
	IdleTTLSeconds         int `yaml:"idle_ttl_seconds"`
	AcquireTimeoutSeconds  int `yaml:"acquire_timeout_seconds"`
	ConnectTimeoutSeconds  int `yaml:"connect_timeout_seconds"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// IdleTTL returns the idle connection TTL as a duration.
func (c PoolConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSeconds) * time.Second
}

// AcquireTimeout returns the pool acquire timeout as a duration.
func (c PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the SMTP connect timeout as a duration.
func (c PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// CleanupInterval returns the pool cleanup timer interval as a duration.
func (c PoolConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// ReportConfig holds report synchronizer tuning.
type ReportConfig struct {
	SyncIntervalSeconds int `yaml:"sync_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	// RetentionSeconds is a pointer so an explicit 0 survives parsing:
	// values <= 0 disable the sweep, absent takes the default.
	RetentionSeconds   *int `yaml:"retention_seconds"`
	HTTPTimeoutSeconds int  `yaml:"http_timeout_seconds"`
}

// SyncInterval returns the per-tenant sync interval as a duration.
func (c ReportConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// HTTPTimeout returns the sync POST timeout as a duration.
func (c ReportConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Retention returns the sweep horizon in seconds; 0 or negative means
// the sweep is disabled.
func (c ReportConfig) Retention() int {
	if c.RetentionSeconds == nil {
		return 3600
	}
	return *c.RetentionSeconds
}

// AttachmentsConfig holds attachment fetcher settings.
type AttachmentsConfig struct {
	CacheDir           string `yaml:"cache_dir"`
	S3Region           string `yaml:"s3_region"`
	AWSProfile         string `yaml:"aws_profile"` // empty uses the default credential chain
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
}

// HTTPTimeout returns the attachment fetch timeout as a duration.
func (c AttachmentsConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Dispatch.TickSeconds == 0 {
		cfg.Dispatch.TickSeconds = 5
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 100
	}
	if cfg.Dispatch.MaxConcurrencyPerAcct == 0 {
		cfg.Dispatch.MaxConcurrencyPerAcct = 4
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 5
	}
	if cfg.Pool.MaxPerAccount == 0 {
		cfg.Pool.MaxPerAccount = 2
	}
	if cfg.Pool.IdleTTLSeconds == 0 {
		cfg.Pool.IdleTTLSeconds = 300
	}
	if cfg.Pool.AcquireTimeoutSeconds == 0 {
		cfg.Pool.AcquireTimeoutSeconds = 30
	}
	if cfg.Pool.ConnectTimeoutSeconds == 0 {
		cfg.Pool.ConnectTimeoutSeconds = 10
	}
	if cfg.Pool.CleanupIntervalSeconds == 0 {
		cfg.Pool.CleanupIntervalSeconds = 60
	}
	if cfg.Report.SyncIntervalSeconds == 0 {
		cfg.Report.SyncIntervalSeconds = 300
	}
	if cfg.Report.BatchSize == 0 {
		cfg.Report.BatchSize = 500
	}
	if cfg.Report.HTTPTimeoutSeconds == 0 {
		cfg.Report.HTTPTimeoutSeconds = 30
	}
	if cfg.Attachments.HTTPTimeoutSeconds == 0 {
		cfg.Attachments.HTTPTimeoutSeconds = 30
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if token := os.Getenv("API_TOKEN"); token != "" {
		cfg.Server.APIToken = token
	}
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		cfg.Secrets.EncryptionKey = key
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if region := os.Getenv("ATTACHMENTS_S3_REGION"); region != "" {
		cfg.Attachments.S3Region = region
	}
	if dir := os.Getenv("ATTACHMENTS_CACHE_DIR"); dir != "" {
		cfg.Attachments.CacheDir = dir
	}
	if v := os.Getenv("RETENTION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Report.RetentionSeconds = &n
		}
	}

	return cfg, nil
}
