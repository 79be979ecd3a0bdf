package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/segyhp/lending-engine/pkg/utils"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	DatabaseDriverPQ  = "postgres"
	DatabaseDriverPGX = "pgx"
)

// Config holds all configuration for our application
type Config struct {
	Server    ServerConfig    `mapstructure:",squash"`
	Database  DatabaseConfig  `mapstructure:",squash"`
	Redis     RedisConfig     `mapstructure:",squash"`
	Auth      AuthConfig      `mapstructure:",squash"`
	Lending   LendingConfig   `mapstructure:",squash"`
	Scheduler SchedulerConfig `mapstructure:",squash"`
	Logging   LoggingConfig   `mapstructure:",squash"`
	Health    HealthConfig    `mapstructure:",squash"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"SERVER_PORT"`
	Host            string        `mapstructure:"SERVER_HOST"`
	Env             string        `mapstructure:"ENV"`
	ReadTimeout     time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	StorageDriver   string        `mapstructure:"STORAGE_DRIVER"`
	Driver          string        `mapstructure:"DATABASE_DRIVER"`
	URL             string        `mapstructure:"DATABASE_URL"`
	Host            string        `mapstructure:"DATABASE_HOST"`
	Port            string        `mapstructure:"DATABASE_PORT"`
	Name            string        `mapstructure:"DATABASE_NAME"`
	User            string        `mapstructure:"DATABASE_USER"`
	Password        string        `mapstructure:"DATABASE_PASSWORD"`
	SSLMode         string        `mapstructure:"DATABASE_SSLMODE"`
	MaxOpenConns    int           `mapstructure:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `mapstructure:"DATABASE_CONN_MAX_LIFETIME"`
	TxIsolation     string        `mapstructure:"DATABASE_TX_ISOLATION"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"REDIS_ENABLED"`
	URL      string        `mapstructure:"REDIS_URL"`
	Host     string        `mapstructure:"REDIS_HOST"`
	Port     string        `mapstructure:"REDIS_PORT"`
	Password string        `mapstructure:"REDIS_PASSWORD"`
	DB       int           `mapstructure:"REDIS_DB"`
	CacheTTL time.Duration `mapstructure:"CACHE_TTL"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	JWTIssuer string `mapstructure:"AUTH_JWT_ISSUER"`
}

type LendingConfig struct {
	LateFeePerDay string `mapstructure:"LATE_FEE_PER_DAY"`
}

type SchedulerConfig struct {
	Cron     string `mapstructure:"SCHEDULER_CRON"`
	Timezone string `mapstructure:"SCHEDULER_TIMEZONE"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Format string `mapstructure:"LOG_FORMAT"`
}

type HealthConfig struct {
	Timeout string `mapstructure:"HEALTH_CHECK_TIMEOUT"`
}

var defaults = map[string]any{
	"SERVER_PORT":                "8080",
	"SERVER_HOST":                "0.0.0.0",
	"ENV":                        "development",
	"SERVER_READ_TIMEOUT":        "15s",
	"SERVER_WRITE_TIMEOUT":       "15s",
	"SHUTDOWN_TIMEOUT":           "30s",
	"STORAGE_DRIVER":             StorageDriverPostgres,
	"DATABASE_DRIVER":            DatabaseDriverPQ,
	"DATABASE_URL":               "",
	"DATABASE_HOST":              "",
	"DATABASE_PORT":              "5432",
	"DATABASE_NAME":              "lending",
	"DATABASE_USER":              "postgres",
	"DATABASE_PASSWORD":          "",
	"DATABASE_SSLMODE":           "disable",
	"DATABASE_MAX_OPEN_CONNS":    50,
	"DATABASE_MAX_IDLE_CONNS":    10,
	"DATABASE_CONN_MAX_LIFETIME": "1h",
	"DATABASE_TX_ISOLATION":      "serializable",
	"REDIS_ENABLED":              false,
	"REDIS_URL":                  "",
	"REDIS_HOST":                 "localhost",
	"REDIS_PORT":                 "6379",
	"REDIS_PASSWORD":             "",
	"REDIS_DB":                   0,
	"CACHE_TTL":                  "5m",
	"AUTH_JWT_SECRET":            "",
	"AUTH_JWT_ISSUER":            "",
	"LATE_FEE_PER_DAY":           "0.00",
	"SCHEDULER_CRON":             "0 0 * * * *",
	"SCHEDULER_TIMEZONE":         "UTC",
	"LOG_LEVEL":                  "info",
	"LOG_FORMAT":                 "json",
	"HEALTH_CHECK_TIMEOUT":       "5s",
}

// Load reads configuration from environment variables and files
func Load() (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./deployments")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	switch c.Database.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Database.URL == "" && c.Database.Host == "" {
			return fmt.Errorf("DATABASE_URL or DATABASE_HOST is required")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q", StorageDriverPostgres, StorageDriverMemory)
	}
	if c.IsProduction() && c.Database.StorageDriver == StorageDriverMemory {
		return fmt.Errorf("STORAGE_DRIVER %q is not allowed in production", StorageDriverMemory)
	}

	if c.Database.Driver != DatabaseDriverPQ && c.Database.Driver != DatabaseDriverPGX {
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q", DatabaseDriverPQ, DatabaseDriverPGX)
	}

	if _, err := c.Database.Isolation(); err != nil {
		return err
	}

	if c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be greater than 0")
	}

	// Validate late fee
	fee, err := utils.DecimalFromString(c.Lending.LateFeePerDay)
	if err != nil {
		return fmt.Errorf("LATE_FEE_PER_DAY must be a valid decimal: %w", err)
	}
	if fee.IsNegative() {
		return fmt.Errorf("LATE_FEE_PER_DAY must not be negative")
	}

	// Validate scheduler
	if _, err := CronParser().Parse(c.Scheduler.Cron); err != nil {
		return fmt.Errorf("SCHEDULER_CRON must be a valid cron spec: %w", err)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("SCHEDULER_TIMEZONE must be a valid location: %w", err)
	}

	// Validate health check timeout
	if _, err := time.ParseDuration(c.Health.Timeout); err != nil {
		return fmt.Errorf("HEALTH_CHECK_TIMEOUT must be a valid duration: %w", err)
	}

	return nil
}

// CronParser accepts specs with a leading seconds field.
func CronParser() cron.Parser {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// DSN returns the connection string for the configured database.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// Isolation maps DATABASE_TX_ISOLATION onto a level strong enough for lending
// transactions.
func (d DatabaseConfig) Isolation() (sql.IsolationLevel, error) {
	switch strings.ToLower(d.TxIsolation) {
	case "serializable":
		return sql.LevelSerializable, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	default:
		return 0, fmt.Errorf("DATABASE_TX_ISOLATION must be serializable or repeatable_read, got %q", d.TxIsolation)
	}
}

// RedisAddr returns host:port of the cache.
func (r RedisConfig) RedisAddr() string {
	return r.Host + ":" + r.Port
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development" || c.Server.Env == "dev"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production" || c.Server.Env == "prod"
}

// GetLateFeePerDay returns the late fee as decimal
func (c *Config) GetLateFeePerDay() decimal.Decimal {
	fee, _ := utils.DecimalFromString(c.Lending.LateFeePerDay)
	return fee
}

// GetSchedulerLocation returns the scheduler timezone
func (c *Config) GetSchedulerLocation() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetHealthTimeout returns the health check timeout as duration
func (c *Config) GetHealthTimeout() time.Duration {
	timeout, _ := time.ParseDuration(c.Health.Timeout)
	return timeout
}
