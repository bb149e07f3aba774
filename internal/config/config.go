// Package config loads service configuration from a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Capacity counting modes.
const (
	CountingCounter = "counter"
	CountingDerived = "derived"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Store      StoreConfig
	Redis      RedisConfig
	NATS       NATSConfig
	OTel       OTelConfig
	Allocation AllocationConfig
	Reconcile  ReconcileConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string
	Environment string // development, staging, production
	Version     string
	LogLevel    string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectRetries  int
	RetryInterval   time.Duration
}

// DSN builds a libpq-compatible connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// StoreConfig selects the transactional store backend.
type StoreConfig struct {
	Driver      string
	AutoMigrate bool
}

// RedisConfig holds Redis settings for the idempotency middleware.
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           int
	Password       string
	DB             int
	PoolSize       int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdempotencyTTL time.Duration
	ProcessingTTL  time.Duration
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// NATSConfig holds broker settings for outcome events. An empty URL disables publishing.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool
	ServiceName   string
	CollectorAddr string
	SampleRatio   float64
}

// AllocationConfig tunes the allocation engine.
type AllocationConfig struct {
	TxTimeout            time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	CountingMode         string
	DefaultCountryCode   string
}

// ReconcileConfig schedules the reserved-counter reconciliation job.
type ReconcileConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// A missing .env is fine; environment variables still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("failed to read .env: %w", err)
		}
	}

	return load(v)
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "seat-allocator")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("APP_LOG_LEVEL", "info")

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "15s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "60s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "eventbooking")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", "5m")
	v.SetDefault("DB_CONNECT_RETRIES", 5)
	v.SetDefault("DB_RETRY_INTERVAL", "2s")

	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("STORE_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 50)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")
	v.SetDefault("REDIS_IDEMPOTENCY_TTL", "24h")
	v.SetDefault("REDIS_PROCESSING_TTL", "60s")

	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "allocation")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "seat-allocator")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	v.SetDefault("ALLOCATION_TX_TIMEOUT", "5s")
	v.SetDefault("ALLOCATION_MAX_RETRIES", 3)
	v.SetDefault("ALLOCATION_RETRY_INITIAL_INTERVAL", "20ms")
	v.SetDefault("ALLOCATION_RETRY_MAX_INTERVAL", "250ms")
	v.SetDefault("ALLOCATION_COUNTING_MODE", CountingCounter)
	v.SetDefault("ALLOCATION_DEFAULT_COUNTRY_CODE", "972")

	v.SetDefault("RECONCILE_ENABLED", true)
	v.SetDefault("RECONCILE_INTERVAL", "10m")
}

func bindConfig(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Version = v.GetString("APP_VERSION")
	cfg.App.LogLevel = v.GetString("APP_LOG_LEVEL")

	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	cfg.Database.Host = v.GetString("DB_HOST")
	cfg.Database.Port = v.GetInt("DB_PORT")
	cfg.Database.User = v.GetString("DB_USER")
	cfg.Database.Password = v.GetString("DB_PASSWORD")
	cfg.Database.DBName = v.GetString("DB_NAME")
	cfg.Database.SSLMode = v.GetString("DB_SSLMODE")
	cfg.Database.MaxConns = v.GetInt32("DB_MAX_CONNS")
	cfg.Database.MinConns = v.GetInt32("DB_MIN_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DB_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DB_CONN_MAX_IDLE_TIME")
	cfg.Database.ConnectRetries = v.GetInt("DB_CONNECT_RETRIES")
	cfg.Database.RetryInterval = v.GetDuration("DB_RETRY_INTERVAL")

	cfg.Store.Driver = strings.ToLower(v.GetString("STORE_DRIVER"))
	cfg.Store.AutoMigrate = v.GetBool("STORE_AUTO_MIGRATE")

	cfg.Redis.Enabled = v.GetBool("REDIS_ENABLED")
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")
	cfg.Redis.IdempotencyTTL = v.GetDuration("REDIS_IDEMPOTENCY_TTL")
	cfg.Redis.ProcessingTTL = v.GetDuration("REDIS_PROCESSING_TTL")

	cfg.NATS.URL = v.GetString("NATS_URL")
	cfg.NATS.SubjectPrefix = v.GetString("NATS_SUBJECT_PREFIX")

	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	cfg.Allocation.TxTimeout = v.GetDuration("ALLOCATION_TX_TIMEOUT")
	cfg.Allocation.MaxRetries = v.GetInt("ALLOCATION_MAX_RETRIES")
	cfg.Allocation.RetryInitialInterval = v.GetDuration("ALLOCATION_RETRY_INITIAL_INTERVAL")
	cfg.Allocation.RetryMaxInterval = v.GetDuration("ALLOCATION_RETRY_MAX_INTERVAL")
	cfg.Allocation.CountingMode = strings.ToLower(v.GetString("ALLOCATION_COUNTING_MODE"))
	cfg.Allocation.DefaultCountryCode = v.GetString("ALLOCATION_DEFAULT_COUNTRY_CODE")

	cfg.Reconcile.Enabled = v.GetBool("RECONCILE_ENABLED")
	cfg.Reconcile.Interval = v.GetDuration("RECONCILE_INTERVAL")

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Store.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Allocation.CountingMode {
	case CountingCounter, CountingDerived:
	default:
		return fmt.Errorf("unknown counting mode %q", c.Allocation.CountingMode)
	}
	if c.Allocation.TxTimeout <= 0 || c.Allocation.TxTimeout > 30*time.Second {
		return fmt.Errorf("allocation tx timeout must be in (0, 30s], got %s", c.Allocation.TxTimeout)
	}
	if c.Allocation.MaxRetries < 0 || c.Allocation.MaxRetries > 10 {
		return fmt.Errorf("allocation max retries must be in [0, 10], got %d", c.Allocation.MaxRetries)
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
