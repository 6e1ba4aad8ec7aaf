// Package config loads service settings from defaults, an optional .env file,
// an optional YAML file and TENANTGUARD_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix         = "TENANTGUARD_"
	minSecretLength   = 16
	defaultConfigFile = ""
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Mail     MailConfig     `yaml:"mail"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is the sustained credential-endpoint rate per client IP, per second.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// TrustProxy takes the client IP from X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// SecurityConfig carries token settings.
type SecurityConfig struct {
	JWTSecret           string        `yaml:"jwt_secret"`
	Issuer              string        `yaml:"issuer"`
	AccessTTL           time.Duration `yaml:"access_ttl"`
	RefreshTTL          time.Duration `yaml:"refresh_ttl"`
	RevokeOnRefresh     bool          `yaml:"revoke_on_refresh"`
	BlacklistFailClosed bool          `yaml:"blacklist_fail_closed"`
}

// LoggingConfig mirrors obs.LogConfig.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
}

// CleanupConfig drives the periodic blacklist sweep. A zero Interval disables it.
type CleanupConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
	BatchSize int           `yaml:"batch_size"`
}

// MailConfig describes outbound token delivery.
type MailConfig struct {
	From string `yaml:"from"`
}

// LoadDefaults returns a Config populated with development defaults.
func LoadDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       5,
			RateBurst:       10,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Path:            "./data/tenantguard.db",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Security: SecurityConfig{
			Issuer:     "tenantguard",
			AccessTTL:  30 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Environment: "production",
		},
		Cleanup: CleanupConfig{
			Interval:  time.Hour,
			Retention: 30 * 24 * time.Hour,
			BatchSize: 1000,
		},
		Mail: MailConfig{
			From: "no-reply@tenantguard.local",
		},
	}
}

// Load builds the configuration. path may be empty; TENANTGUARD_CONFIG is
// consulted in that case.
func Load(path string) (*Config, error) {
	// a missing .env file is normal outside development
	_ = godotenv.Load()

	cfg := LoadDefaults()
	if path == defaultConfigFile {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Addr = getEnv("HTTP_ADDR", cfg.Server.Addr)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.RateLimit = getEnvAsFloat("RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.RateBurst = getEnvAsInt("RATE_BURST", cfg.Server.RateBurst)
	cfg.Server.TrustProxy = getEnvAsBool("TRUST_PROXY", cfg.Server.TrustProxy)

	cfg.Database.Driver = getEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("PG_DSN", cfg.Database.DSN)
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)
	cfg.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.AutoMigrate = getEnvAsBool("DB_AUTO_MIGRATE", cfg.Database.AutoMigrate)

	cfg.Security.JWTSecret = getEnv("JWT_SECRET", cfg.Security.JWTSecret)
	cfg.Security.Issuer = getEnv("JWT_ISSUER", cfg.Security.Issuer)
	cfg.Security.AccessTTL = getEnvAsDuration("ACCESS_TTL", cfg.Security.AccessTTL)
	cfg.Security.RefreshTTL = getEnvAsDuration("REFRESH_TTL", cfg.Security.RefreshTTL)
	cfg.Security.RevokeOnRefresh = getEnvAsBool("REVOKE_ON_REFRESH", cfg.Security.RevokeOnRefresh)
	cfg.Security.BlacklistFailClosed = getEnvAsBool("BLACKLIST_FAIL_CLOSED", cfg.Security.BlacklistFailClosed)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Environment = getEnv("ENV", cfg.Logging.Environment)

	cfg.Cleanup.Interval = getEnvAsDuration("CLEANUP_INTERVAL", cfg.Cleanup.Interval)
	cfg.Cleanup.Retention = getEnvAsDuration("CLEANUP_RETENTION", cfg.Cleanup.Retention)
	cfg.Cleanup.BatchSize = getEnvAsInt("CLEANUP_BATCH_SIZE", cfg.Cleanup.BatchSize)

	cfg.Mail.From = getEnv("MAIL_FROM", cfg.Mail.From)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pgx":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for postgres (set TENANTGUARD_PG_DSN)")
		}
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	if c.Security.JWTSecret == "" {
		errs = append(errs, "security.jwt_secret is required (set TENANTGUARD_JWT_SECRET)")
	} else if len(c.Security.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Sprintf("security.jwt_secret must be at least %d characters", minSecretLength))
	}
	if c.Security.AccessTTL <= 0 {
		errs = append(errs, "security.access_ttl must be positive")
	}
	if c.Security.RefreshTTL <= 0 {
		errs = append(errs, "security.refresh_ttl must be positive")
	}
	if c.Cleanup.Interval < 0 {
		errs = append(errs, "cleanup.interval must not be negative")
	}
	if c.Cleanup.Retention < 0 {
		errs = append(errs, "cleanup.retention must not be negative")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, "server.rate_limit and server.rate_burst must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
