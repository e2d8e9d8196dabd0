// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CML_ prefix (e.g., CML_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a
// config.yaml in local development and with pure environment variables in
// containerized deployments.
//
// The ENCRYPTION_KEY variable has no CML_ prefix because it is typically
// injected by infrastructure tooling (Kubernetes secrets, Vault agent) that
// treats it as a generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Backends      BackendsConfig      `mapstructure:"backends"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration.
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

// DSN builds the lib/pq connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// RedisConfig holds the optional Redis connection used for scratch-key caching
// and per-tenant rate limiting. When Addr is empty both features are disabled
// and the service runs against the database alone.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// ScratchKeyTTL bounds how stale a cached scratch key may be.
	ScratchKeyTTL time.Duration `mapstructure:"scratch_key_ttl"`
}

// Enabled reports whether a Redis connection is configured.
func (r *RedisConfig) Enabled() bool { return r.Addr != "" }

// StorageConfig holds object store configuration for training media.
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// S3StorageConfig holds S3-compatible object store configuration.
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.).
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	// AuthMethod is "default" (AWS credential chain) or "static".
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LocalStorageConfig holds local filesystem object store configuration.
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// BackendsConfig holds the endpoints and request behaviour for the external
// training backends, one section per service type.
type BackendsConfig struct {
	// RequestTimeout is the fixed per-call timeout applied to every training
	// submission, status probe, classify call, and delete.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Text           BackendConfig `mapstructure:"text"`
	Images         BackendConfig `mapstructure:"images"`
	Numbers        BackendConfig `mapstructure:"numbers"`
}

// BackendConfig describes one training backend.
type BackendConfig struct {
	// BaseURL is used when a credential set carries no URL of its own.
	BaseURL string `mapstructure:"base_url"`
	// Flavor selects a backend variant where more than one deployment exists.
	// For the numbers backend this decides whether the containerised or the
	// serverless deployment is called; it is resolved once at process start
	// and never mutated at runtime.
	Flavor string `mapstructure:"flavor"`
	// ServerlessBaseURL is the endpoint of the serverless deployment, used
	// instead of BaseURL when Flavor is "serverless".
	ServerlessBaseURL string `mapstructure:"serverless_base_url"`
}

// Endpoint returns the base URL for the configured flavor.
func (b *BackendConfig) Endpoint() string {
	if b.Flavor == "serverless" {
		return b.ServerlessBaseURL
	}
	return b.BaseURL
}

// ForService returns the backend section for a service type name
// ("text", "images", "numbers").
func (b *BackendsConfig) ForService(serviceType string) BackendConfig {
	switch serviceType {
	case "images":
		return b.Images
	case "numbers":
		return b.Numbers
	default:
		return b.Text
	}
}

// SchedulerConfig tunes the externally-triggered maintenance entry points:
// the pending-job drain and the classifier expiry sweep.
type SchedulerConfig struct {
	// JobMaxAttempts is the poison threshold: a job failing this many times is
	// parked in the poison state and alerted instead of retried forever.
	JobMaxAttempts int `mapstructure:"job_max_attempts"`
	// DrainAlertThreshold is the wall-clock drain duration above which an
	// operational alert is raised (an ever-growing backlog is a systemic
	// problem worth human attention).
	DrainAlertThreshold time.Duration `mapstructure:"drain_alert_threshold"`
	// Sweep backoff paces the per-classifier deletes of the expiry sweep so a
	// large backlog does not hammer rate-limited backends.
	SweepBackoffInitial time.Duration `mapstructure:"sweep_backoff_initial"`
	SweepBackoffMax     time.Duration `mapstructure:"sweep_backoff_max"`
	SweepBackoffFactor  float64       `mapstructure:"sweep_backoff_factor"`
}

// SecurityConfig holds auth and rate limiting configuration.
type SecurityConfig struct {
	// SchedulerTokenSecret signs and verifies the bearer tokens that gate the
	// /internal/ scheduler and cleanup routes.
	SchedulerTokenSecret string          `mapstructure:"scheduler_token_secret"`
	RateLimiting         RateLimitConfig `mapstructure:"rate_limiting"`
}

// RateLimitConfig holds per-tenant classify/train throttling settings.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds metrics configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
}

// NotificationsConfig holds the operator alert sink configuration. Alerts are
// fire-and-forget webhook posts; a missing URL disables alerting entirely.
type NotificationsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	// ErrorChannel and CapacityChannel name the chat channels that operator
	// errors and capacity warnings are routed to.
	ErrorChannel    string `mapstructure:"error_channel"`
	CapacityChannel string `mapstructure:"capacity_channel"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() does not reach into nested structs during Unmarshal, so every
// nested key that may be set from the environment is listed here.
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
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.scratch_key_ttl",

		// Storage
		"storage.default_backend",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.local.base_path",

		// Backends
		"backends.request_timeout",
		"backends.text.base_url",
		"backends.text.flavor",
		"backends.images.base_url",
		"backends.images.flavor",
		"backends.numbers.base_url",
		"backends.numbers.flavor",
		"backends.numbers.serverless_base_url",

		// Scheduler
		"scheduler.job_max_attempts",
		"scheduler.drain_alert_threshold",
		"scheduler.sweep_backoff_initial",
		"scheduler.sweep_backoff_max",
		"scheduler.sweep_backoff_factor",

		// Security
		"security.scheduler_token_secret",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.prometheus_port",

		// Notifications
		"notifications.enabled",
		"notifications.webhook_url",
		"notifications.error_channel",
		"notifications.capacity_channel",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables.
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
		v.AddConfigPath("/etc/classml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables.
	}

	v.SetEnvPrefix("CML")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields so secrets can be supplied
	// indirectly by the deployment environment.
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	cfg.Storage.S3.AccessKeyID = os.ExpandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = os.ExpandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Security.SchedulerTokenSecret = os.ExpandEnv(cfg.Security.SchedulerTokenSecret)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
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
	v.SetDefault("database.name", "classml")
	v.SetDefault("database.user", "classml")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults (disabled unless addr is set)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.scratch_key_ttl", "30s")

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./storage")
	v.SetDefault("storage.s3.auth_method", "default")

	// Backend defaults
	v.SetDefault("backends.request_timeout", "30s")
	v.SetDefault("backends.numbers.flavor", "container")

	// Scheduler defaults
	v.SetDefault("scheduler.job_max_attempts", 10)
	v.SetDefault("scheduler.drain_alert_threshold", "5m")
	v.SetDefault("scheduler.sweep_backoff_initial", "250ms")
	v.SetDefault("scheduler.sweep_backoff_max", "5s")
	v.SetDefault("scheduler.sweep_backoff_factor", 2.0)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "classml")
	v.SetDefault("telemetry.prometheus_port", 9090)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.error_channel", "ml-errors")
	v.SetDefault("notifications.capacity_channel", "ml-capacity")
}

// Validate validates the configuration.
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

	validBackends := map[string]bool{"s3": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be 's3' or 'local')", c.Storage.DefaultBackend)
	}
	if c.Storage.DefaultBackend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using the s3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using the s3 backend")
		}
	}
	if c.Storage.DefaultBackend == "local" && c.Storage.Local.BasePath == "" {
		return fmt.Errorf("storage.local.base_path is required when using the local backend")
	}

	switch c.Backends.Numbers.Flavor {
	case "container", "serverless":
	default:
		return fmt.Errorf("invalid backends.numbers.flavor: %s (must be 'container' or 'serverless')", c.Backends.Numbers.Flavor)
	}
	if c.Backends.Numbers.Flavor == "serverless" && c.Backends.Numbers.ServerlessBaseURL == "" {
		return fmt.Errorf("backends.numbers.serverless_base_url is required when the flavor is 'serverless'")
	}

	if c.Scheduler.JobMaxAttempts < 1 {
		return fmt.Errorf("scheduler.job_max_attempts must be at least 1")
	}
	if c.Scheduler.SweepBackoffFactor < 1 {
		return fmt.Errorf("scheduler.sweep_backoff_factor must be >= 1")
	}

	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		return fmt.Errorf("notifications.webhook_url is required when notifications are enabled")
	}

	return nil
}
